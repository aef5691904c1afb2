package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ergochat/readline"

	"github.com/drpcorg/mrindex"
	"github.com/drpcorg/mrindex/config"
)

// REPL per se.
type REPL struct {
	cfg *config.Config
	idx *mrindex.StringIndex
	rl  *readline.Instance
	out io.Writer
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("open"),
	readline.PcItem("close"),
	readline.PcItem("status"),

	readline.PcItem("index"),
	readline.PcItem("drop"),
	readline.PcItem("find"),
	readline.PcItem("keys"),

	readline.PcItem("flush"),
	readline.PcItem("verify"),
	readline.PcItem("rebuild"),
	readline.PcItem("dump"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".mrindex_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	var err error
	if repl.idx != nil {
		err = repl.idx.Dispose()
		repl.idx = nil
	}
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return err
}

// REPL reads and runs one command.
func (repl *REPL) REPL() (err error) {
	var line string
	line, err = repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}
	return repl.Run(strings.TrimSpace(line))
}

func (repl *REPL) Run(line string) (err error) {
	if len(line) == 0 {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "help":
		err = repl.CommandHelp(arg)
	// ----- index open/close -----
	case "open":
		err = repl.CommandOpen(arg)
	case "close":
		err = repl.CommandClose(arg)
	case "status":
		err = repl.CommandStatus(arg)
	case "exit", "quit":
		if repl.idx != nil {
			err = repl.CommandClose(arg)
		}
		if err == nil {
			err = io.EOF
		}
	// ----- indexing -----
	case "index":
		err = repl.CommandIndex(arg)
	case "drop":
		err = repl.CommandDrop(arg)
	// ----- queries -----
	case "find":
		err = repl.CommandFind(arg)
	case "keys":
		err = repl.CommandKeys(arg)
	// ----- maintenance -----
	case "flush":
		err = repl.CommandFlush(arg)
	case "verify":
		err = repl.CommandVerify(arg)
	case "rebuild":
		err = repl.CommandRebuild(arg)
	case "dump":
		err = repl.CommandDump(arg)
	default:
		_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
	}
	return
}

func main() {
	path := ""
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.Load(path)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-2)
	}

	repl := REPL{cfg: cfg, out: os.Stdout}
	err = repl.Open()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
	for !errors.Is(err, io.EOF) {
		if err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "%s\n", err.Error())
		}
		err = repl.REPL()
	}
	if err := repl.Close(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
}
