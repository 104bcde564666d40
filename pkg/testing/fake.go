package testing

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/movebroker/movebroker/pkg/protocol"
)

// Environment variables read by the fake engine process.
const (
	EnvBehavior = "MOVEBROKER_FAKE_ENGINE"
	EnvReply    = "MOVEBROKER_FAKE_REPLY"
	EnvDelay    = "MOVEBROKER_FAKE_DELAY"
	EnvStderr   = "MOVEBROKER_FAKE_STDERR"
	EnvBanner   = "MOVEBROKER_FAKE_BANNER"
	EnvInfo     = "MOVEBROKER_FAKE_INFO"
)

// Behavior selects how a fake engine answers.
type Behavior string

// Fake engine behaviors.
const (
	Echo            Behavior = "echo"
	Fixed           Behavior = "fixed"
	Garbage         Behavior = "garbage"
	ExitBeforeReply Behavior = "exit"
	SlowFirst       Behavior = "slow-first"
	Stubborn        Behavior = "stubborn"
	OneShot         Behavior = "one-shot"
)

// EchoResult is the answer an Echo engine gives for req.
func EchoResult(req protocol.Request) protocol.Result {
	return protocol.Result{
		Move:  fmt.Sprintf("m%d%s", req.Depth, req.Color.Letter()),
		Score: float64(req.Depth),
	}
}

// Main runs the fake engine and exits when the process was started as one.
// It returns immediately otherwise.
func Main() {
	b := os.Getenv(EnvBehavior)
	if b == "" {
		return
	}
	f := &fake{
		behavior: Behavior(b),
		reply:    os.Getenv(EnvReply),
		banner:   os.Getenv(EnvBanner),
		stderr:   os.Getenv(EnvStderr),
		info:     os.Getenv(EnvInfo) != "",
	}
	if d, err := time.ParseDuration(os.Getenv(EnvDelay)); err == nil {
		f.delay = d
	}
	os.Exit(f.run(os.Stdin, os.Stdout, os.Stderr, os.Args[1:]))
}

type fake struct {
	behavior Behavior
	reply    string
	banner   string
	stderr   string
	delay    time.Duration
	info     bool

	mu  sync.Mutex
	out io.Writer
	n   int
}

type wireRequest struct {
	Command string `json:"command"`
	ID      string `json:"id"`
	FEN     string `json:"fen"`
	Color   string `json:"color"`
	Depth   int    `json:"depth"`
}

func (f *fake) run(in io.Reader, out, errw io.Writer, args []string) int {
	f.out = out
	if f.stderr != "" {
		_, _ = fmt.Fprintln(errw, f.stderr)
	}
	if f.banner != "" {
		f.println(f.banner)
	}

	if f.behavior == OneShot {
		return f.runOneShot(errw, args)
	}
	if f.behavior == Stubborn {
		signal.Ignore(syscall.SIGTERM)
	}

	var wg sync.WaitGroup
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "quit" {
			if f.behavior == Stubborn {
				continue
			}
			wg.Wait()
			return 0
		}

		var req wireRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil || req.Command != protocol.CommandEvalMove {
			_, _ = fmt.Fprintf(errw, "unrecognized request %q\n", line)
			continue
		}

		switch f.behavior {
		case ExitBeforeReply:
			return 3
		case Garbage:
			f.println("garbage")
		case Fixed:
			f.println(f.reply)
		default:
			if req.ID != "" {
				wg.Add(1)
				go func() {
					defer wg.Done()
					time.Sleep(time.Duration(rand.IntN(20)) * time.Millisecond)
					f.answer(req)
				}()
				continue
			}
			f.answer(req)
		}
	}

	wg.Wait()
	for f.behavior == Stubborn {
		time.Sleep(time.Hour)
	}
	return 0
}

func (f *fake) answer(req wireRequest) {
	f.mu.Lock()
	f.n++
	first := f.n == 1
	f.mu.Unlock()

	if f.behavior == SlowFirst && first {
		time.Sleep(f.delay)
	}
	if f.info {
		f.println(fmt.Sprintf("info depth %d nodes 1000", req.Depth))
	}

	color, _ := protocol.ParseColor(req.Color)
	res := EchoResult(protocol.Request{FEN: req.FEN, Color: color, Depth: req.Depth})
	if req.ID != "" {
		f.println(req.ID + " " + res.String())
		return
	}
	f.println(res.String())
}

// runOneShot expects "<fen fields...> <w|b> <depth>" as its arguments.
func (f *fake) runOneShot(errw io.Writer, args []string) int {
	if len(args) < 3 {
		_, _ = fmt.Fprintln(errw, "usage: engine <fen> <w|b> <depth>")
		return 2
	}
	depth, err := strconv.Atoi(args[len(args)-1])
	if err != nil {
		_, _ = fmt.Fprintf(errw, "bad depth %q\n", args[len(args)-1])
		return 2
	}
	color, err := protocol.ParseColor(args[len(args)-2])
	if err != nil {
		_, _ = fmt.Fprintln(errw, err)
		return 2
	}
	time.Sleep(f.delay)
	if f.info {
		f.println("info searching")
	}
	if f.reply != "" {
		f.println(f.reply)
		return 0
	}
	req := protocol.Request{FEN: strings.Join(args[:len(args)-2], " "), Color: color, Depth: depth}
	f.println(EchoResult(req).String())
	return 0
}

func (f *fake) println(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _ = fmt.Fprintln(f.out, line)
}
