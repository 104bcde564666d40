package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// wireRequest fixes the field order of the request record.
type wireRequest struct {
	Command string `json:"command"`
	ID      string `json:"id,omitempty"`
	FEN     string `json:"fen"`
	Color   string `json:"color"`
	Depth   int    `json:"depth"`
}

// Encode renders req as one newline-terminated request line.
func Encode(req Request) ([]byte, error) {
	return EncodeTagged("", req)
}

// EncodeTagged renders req with an id the engine echoes back in its reply.
// An empty id produces the same line as Encode.
func EncodeTagged(id string, req Request) ([]byte, error) {
	if strings.ContainsAny(id, " \t\r\n") {
		return nil, fmt.Errorf("request id %q contains whitespace", id)
	}
	b, err := json.Marshal(wireRequest{
		Command: CommandEvalMove,
		ID:      id,
		FEN:     req.FEN,
		Color:   req.Color.Letter(),
		Depth:   req.Depth,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return append(b, '\n'), nil
}

// Args returns the argv tail used by one-shot engine invocations:
// the FEN fields, the side letter and the depth.
func Args(req Request) []string {
	args := strings.Fields(req.FEN)
	return append(args, req.Color.Letter(), strconv.Itoa(req.Depth))
}

// Decode parses a "<move> <evaluation>" reply line.
func Decode(line string) (Result, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Result{}, fmt.Errorf("%w: want \"<move> <evaluation>\", got %q", ErrMalformedOutput, line)
	}
	score, mate, err := parseEvaluation(fields[1])
	if err != nil {
		return Result{}, fmt.Errorf("%w: %q: %v", ErrMalformedOutput, line, err)
	}
	return Result{Move: fields[0], Score: score, Mate: mate}, nil
}

// DecodeTagged parses an "<id> <move> <evaluation>" reply line.
func DecodeTagged(line string) (string, Result, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return "", Result{}, fmt.Errorf("%w: want \"<id> <move> <evaluation>\", got %q", ErrMalformedOutput, line)
	}
	id := fields[0]
	res, err := Decode(strings.Join(fields[1:], " "))
	if err != nil {
		return id, Result{}, err
	}
	return id, res, nil
}

// IsDiagnostic reports whether line is engine chatter rather than a reply.
func IsDiagnostic(line string) bool {
	fields := strings.Fields(line)
	return len(fields) == 0 || fields[0] == "info"
}

func parseEvaluation(tok string) (float64, bool, error) {
	if rest, ok := strings.CutPrefix(tok, MatePrefix); ok {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return 0, false, fmt.Errorf("mate distance %q is not an integer", rest)
		}
		return float64(n), true, nil
	}
	if !isDecimal(tok) {
		return 0, false, fmt.Errorf("evaluation %q is not a decimal number", tok)
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, false, fmt.Errorf("evaluation %q: %w", tok, err)
	}
	return f, false, nil
}

// isDecimal accepts an optionally signed decimal with an optional fraction
// and exponent. It rules out the hex, Inf and NaN forms ParseFloat allows.
func isDecimal(tok string) bool {
	tok = strings.TrimLeft(tok, "+-")
	digits := false
	for i := 0; i < len(tok); i++ {
		switch c := tok[i]; {
		case c >= '0' && c <= '9':
			digits = true
		case c == '.' || c == 'e' || c == 'E' || c == '+' || c == '-':
		default:
			return false
		}
	}
	return digits
}
