package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/movebroker/movebroker/pkg/broker"
	"github.com/movebroker/movebroker/pkg/cli/internal/output"
	"github.com/movebroker/movebroker/pkg/protocol"
)

var (
	evalFlags configFlags
	evalFEN   string
	evalColor string
	evalDepth int
)

// evalError is the JSON shape of a failed evaluation.
type evalError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate one position with the configured engine",
	Long: `Start the engine, evaluate a single position and print the result. No HTTP
listener is opened. The engine settings come from the same config file,
environment and flags as serve.`,
	Example: `  movebroker eval --fen "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1" --color white --depth 8
  movebroker eval -c movebroker.yaml --fen "$FEN" --color b --depth 12 --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runEval(cmd.Context(), cmd, &evalFlags)
	},
}

func init() {
	evalFlags.addFileFlag(evalCmd)
	evalFlags.addEngineFlags(evalCmd)
	evalFlags.addLogFlags(evalCmd)
	evalCmd.Flags().StringVar(&evalFEN, "fen", "", "Position in FEN notation")
	evalCmd.Flags().StringVar(&evalColor, "color", "", "Side to move: white, black, w or b")
	evalCmd.Flags().IntVar(&evalDepth, "depth", 0, "Search depth")
	_ = evalCmd.MarkFlagRequired("fen")
	_ = evalCmd.MarkFlagRequired("color")
	_ = evalCmd.MarkFlagRequired("depth")
	rootCmd.AddCommand(evalCmd)
}

func runEval(ctx context.Context, cmd *cobra.Command, f *configFlags) (err error) {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}

	color, err := protocol.ParseColor(evalColor)
	if err != nil {
		return fmt.Errorf("--color: %w", err)
	}
	req := protocol.Request{FEN: evalFEN, Color: color, Depth: evalDepth}

	log, flush := newLogger(cfg.Log, 0)
	defer flush()

	// eval runs once, so there is nothing for a supervisor to do.
	cfg.Engine.AutoRestart = false
	b := broker.New(cfg.Engine, broker.WithLogger(log))
	if err := b.Validate(req); err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.StopTimeout+shutdownTimeout)
		defer cancel()
		err = errors.Join(err, b.Close(closeCtx))
	}()

	res, evalErr := b.Evaluate(ctx, req)
	out := cmd.OutOrStdout()
	if evalErr != nil {
		if jsonOutput {
			_ = output.JSON(out, evalError{Error: broker.Code(evalErr), Message: evalErr.Error()})
		}
		return evalErr
	}

	if jsonOutput {
		return output.JSON(out, res)
	}
	_, err = fmt.Fprintln(out, res.String())
	return err
}
