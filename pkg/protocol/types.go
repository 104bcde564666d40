package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Version is the version of the request record layout.
const Version = 1

// CommandEvalMove asks the engine for its best move and the evaluation after it.
const CommandEvalMove = "eval_move"

// QuitLine asks a persistent engine to exit.
const QuitLine = "quit\n"

// MatePrefix marks an evaluation token as a mate distance.
const MatePrefix = "#"

// ErrMalformedOutput is returned when an engine line cannot be decoded.
var ErrMalformedOutput = errors.New("malformed engine output")

// ErrInvalidColor is returned by ParseColor for unknown side names.
var ErrInvalidColor = errors.New("invalid color")

// Color is the side to move.
type Color string

// Sides.
const (
	White Color = "white"
	Black Color = "black"
)

// ParseColor accepts white, w, black and b in any case.
func ParseColor(s string) (Color, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white", "w":
		return White, nil
	case "black", "b":
		return Black, nil
	default:
		return "", fmt.Errorf("%w: %q (want white or black)", ErrInvalidColor, s)
	}
}

// Letter returns the single-letter form the engine expects.
func (c Color) Letter() string {
	if c == Black {
		return "b"
	}
	return "w"
}

// Request is one position to evaluate.
type Request struct {
	FEN   string
	Color Color
	Depth int
}

// Result is one decoded engine answer.
type Result struct {
	Move string `json:"move"`
	// Score is the engine's evaluation as printed, or the mate distance
	// when Mate is set.
	Score float64 `json:"evaluation"`
	Mate  bool    `json:"mate,omitempty"`
}

// String renders the result the way the engine would print it.
func (r Result) String() string {
	if r.Mate {
		return fmt.Sprintf("%s %s%d", r.Move, MatePrefix, int(r.Score))
	}
	return r.Move + " " + strconv.FormatFloat(r.Score, 'f', -1, 64)
}
