// Package console drives the manager from line commands on a terminal.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/whisper-darkly/sticky-capture/manager"
)

// Registry is the part of the manager the console drives.
type Registry interface {
	Add(url string) (string, error)
	Stop(id string) error
	Restart(id string) error
	ToggleInfinite(id string) (bool, error)
	ClearFinished() int
	StartAll() int
	StopAll()
	Rows() []manager.Row
}

// Console reads commands and writes one-line acknowledgements.
type Console struct {
	reg Registry
	out io.Writer
}

func New(reg Registry, out io.Writer) *Console {
	return &Console{reg: reg, out: out}
}

const usage = `commands:
  add <url>        start capturing a stream (a bare URL works too)
  stop <id>        stop a stream
  restart <id>     restart a stream with a fresh session
  infinite <id>    toggle unlimited retries
  clear            remove ended and stopped streams
  start-all        restart every stream that is not running
  stop-all         stop every stream
  list             show all streams
  quit             stop everything and exit
`

// Run processes lines from in until "quit", end of input, or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-errc
			}
			if quit := c.Execute(line); quit {
				return nil
			}
		}
	}
}

// Execute runs one command line and reports whether it asked to quit.
func (c *Console) Execute(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, arg := strings.ToLower(fields[0]), ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	if strings.HasPrefix(fields[0], "http") {
		cmd, arg = "add", fields[0]
	}

	switch cmd {
	case "add":
		if arg == "" {
			c.say("usage: add <url>")
			return false
		}
		id, err := c.reg.Add(arg)
		if err != nil {
			c.say("add %s: %v", arg, err)
			return false
		}
		c.say("added %s", id)
	case "stop", "restart", "infinite":
		if arg == "" {
			c.say("usage: %s <id>", cmd)
			return false
		}
		c.byID(cmd, arg)
	case "clear":
		c.say("cleared %d", c.reg.ClearFinished())
	case "start-all":
		c.say("started %d", c.reg.StartAll())
	case "stop-all":
		c.reg.StopAll()
		c.say("stopping all")
	case "list", "ls":
		c.list()
	case "help", "?":
		io.WriteString(c.out, usage)
	case "quit", "exit", "q":
		return true
	default:
		c.say("unknown command %q (try help)", cmd)
	}
	return false
}

func (c *Console) byID(cmd, id string) {
	var err error
	switch cmd {
	case "stop":
		if err = c.reg.Stop(id); err == nil {
			c.say("stopping %s", id)
		}
	case "restart":
		if err = c.reg.Restart(id); err == nil {
			c.say("restarted %s", id)
		}
	case "infinite":
		var on bool
		if on, err = c.reg.ToggleInfinite(id); err == nil {
			c.say("%s infinite %s", id, onOff(on))
		}
	}
	if err != nil {
		c.say("%s: %v", cmd, err)
	}
}

func (c *Console) list() {
	rows := c.reg.Rows()
	if len(rows) == 0 {
		c.say("no streams")
		return
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSEGMENT\tINFINITE\tURL")
	for _, r := range rows {
		seg := "-"
		if r.Segment >= 0 {
			seg = strconv.Itoa(r.Segment)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, seg, onOff(r.Infinite), r.URL)
	}
	tw.Flush()
}

func (c *Console) say(format string, args ...any) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
