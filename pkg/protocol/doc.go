// Package protocol implements the line protocol spoken with the move engine.
//
// The engine reads one request per line on stdin and answers with one line on
// stdout. Requests are single-line JSON records, version 1:
//
//	{"command":"eval_move","fen":"<FEN>","color":"w","depth":5}
//
// Fields are always emitted in the order command, id, fen, color, depth. The
// id field only appears when the tagged protocol is in use.
//
// Replies are whitespace separated:
//
//	<move> <evaluation>          (serial protocol)
//	<id> <move> <evaluation>     (tagged protocol)
//
// The evaluation is a decimal number in whatever unit the engine reports
// (centipawns for most engines, pawns for some), or "#N" for mate in N moves
// (negative N means the side to move is being mated).
//
// Blank lines and lines starting with the token "info" are diagnostic output
// and never count as replies. See IsDiagnostic.
//
// Everything in this package is pure: no state and no I/O.
package protocol
