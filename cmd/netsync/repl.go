package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/drpcorg/netsync"
	"github.com/drpcorg/netsync/coordinator"
	"github.com/ergochat/readline"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("show"),
	readline.PcItem("peers"),
	readline.PcItem("set",
		readline.PcItem("day"),
		readline.PcItem("weather"),
		readline.PcItem("sign"),
		readline.PcItem("tractor"),
	),

	readline.PcItem("chest"),
	readline.PcItem("unchest"),
	readline.PcItem("hit"),
	readline.PcItem("loot"),

	readline.PcItem("checkpoint"),

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

var (
	ErrBadArgs   = errors.New("bad arguments")
	ErrNoChest   = errors.New("there is no chest")
	ErrHostsOnly = errors.New("only the host can do that")
)

const shadowTime = 2 * time.Second

// REPL is the console over one session. The session is shared with the
// tick loop, lock guards both.
type REPL struct {
	lock    *sync.Mutex
	session *netsync.Session
	farm    *farm
	rl      *readline.Instance
	out     io.Writer
}

func (repl *REPL) Open(history string) (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     history,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.out = repl.rl.Stdout()
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

// REPL reads and runs one command; io.EOF means the user is done.
func (repl *REPL) REPL() error {
	line, err := repl.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		if len(line) != 0 {
			return nil
		}
		return io.EOF
	}
	if err != nil {
		return err
	}
	return repl.Run(line)
}

func (repl *REPL) Run(line string) (err error) {
	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	repl.lock.Lock()
	defer repl.lock.Unlock()
	switch cmd {
	case "help":
		fmt.Fprintln(repl.out, "show | peers | set <field> <value> | chest <x> <y> | unchest | hit | loot | checkpoint | exit")
	case "show", "ls":
		fmt.Fprintln(repl.out, repl.farm.String())
	case "peers":
		err = repl.CommandPeers()
	case "set":
		field, value, _ := strings.Cut(arg, " ")
		err = repl.farm.Set(field, strings.TrimSpace(value))
	case "chest":
		err = repl.CommandChest(arg)
	case "unchest":
		err = repl.CommandUnchest()
	case "hit", "loot":
		err = repl.CommandRequest(cmd)
	case "checkpoint":
		err = repl.session.Checkpoint()
	case "exit", "quit":
		err = io.EOF
	default:
		fmt.Fprintf(repl.out, "command unknown: %s\n", cmd)
	}
	return err
}

func (repl *REPL) CommandPeers() error {
	peers := repl.session.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(repl.out, "no peers")
	}
	for _, p := range peers {
		state := "ok"
		if p.Rejected {
			state = "rejected"
		}
		fmt.Fprintf(repl.out, "peer %d\tslot %d\trtt %s\t%s\n", p.ID, p.Slot, p.RTT, state)
	}
	return nil
}

func (repl *REPL) CommandChest(arg string) error {
	if repl.session.Role() != netsync.Host {
		return ErrHostsOnly
	}
	var x, y int32
	if _, err := fmt.Sscanf(arg, "%d %d", &x, &y); err != nil {
		return ErrBadArgs
	}
	from, moved := repl.farm.PlaceChest(x, y)
	if moved {
		return repl.session.Moved(from, coordinator.KeyAt(farmLocation, x, y))
	}
	return nil
}

func (repl *REPL) CommandUnchest() error {
	if repl.session.Role() != netsync.Host {
		return ErrHostsOnly
	}
	at, ok := repl.farm.RemoveChest()
	if !ok {
		return ErrNoChest
	}
	return repl.session.Deleted(at)
}

// CommandRequest never touches the chest directly, the host decides.
func (repl *REPL) CommandRequest(action string) error {
	c := repl.farm.chest.Get()
	if c == nil {
		return ErrNoChest
	}
	req := coordinator.Request{
		Resource: c.id.Get(),
		Location: farmLocation,
		Tile:     c.tile.Get(),
		Action:   action,
	}
	id, err := repl.session.Submit(req, shadowTime)
	if err != nil {
		return err
	}
	fmt.Fprintf(repl.out, "request %s sent\n", id)
	return nil
}
