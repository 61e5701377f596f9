package engine

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/charlesren/netpriv/connection"
	"github.com/charlesren/netpriv/privilege"
)

// junosDevice 三种配置模式共用同一个提示符的 Junos 风格模拟器
type junosDevice struct {
	mu      sync.Mutex
	mode    string // exec / configuration / configuration-exclusive / configuration-private
	partial []byte
	pending []byte
	lines   []string
}

func newJunosDevice(mode string) *junosDevice {
	d := &junosDevice{mode: mode}
	d.pending = []byte("\r\n--- JUNOS 21.4R3 Kernel 64-bit\r\n" + d.prompt())
	return d
}

func (d *junosDevice) prompt() string {
	if d.mode == "exec" {
		return "\r\n{master:0}\r\nadmin@vmx> "
	}
	return "\r\n{master:0}[edit]\r\nadmin@vmx# "
}

func (d *junosDevice) Write(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.partial = append(d.partial, b...)
	return nil
}

func (d *junosDevice) WriteLine(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	line := string(append(d.partial, b...))
	d.partial = nil
	d.lines = append(d.lines, line)
	d.pending = append(d.pending, line+"\r\n"...)

	var out string
	switch cmd := strings.TrimSpace(line); {
	case cmd == "":
	case d.mode == "exec" && cmd == "configure":
		out = "Entering configuration mode\r\n"
		d.mode = "configuration"
	case d.mode == "exec" && cmd == "configure exclusive":
		out = "Entering configuration mode\r\nWarning: uncommitted changes will be discarded on exit\r\n"
		d.mode = "configuration-exclusive"
	case d.mode == "exec" && cmd == "configure private":
		out = "warning: uncommitted changes will be discarded on exit\r\nEntering configuration mode\r\n"
		d.mode = "configuration-private"
	case d.mode != "exec" && cmd == "exit configuration-mode":
		out = "Exiting configuration mode\r\n"
		d.mode = "exec"
	default:
		out = "                  ^\r\nunknown command.\r\n"
	}
	d.pending = append(d.pending, out+d.prompt()...)
	return nil
}

func (d *junosDevice) ReadAvailable() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.pending
	d.pending = nil
	return out, nil
}

func (d *junosDevice) ReadUntilMatch(ctx context.Context, patterns ...*regexp.Regexp) ([]byte, error) {
	out, _ := d.ReadAvailable()
	window := privilege.Tail(out, privilege.DefaultSearchDepth)
	for _, re := range patterns {
		if re != nil && re.Match(window) {
			return out, nil
		}
	}
	<-ctx.Done()
	return out, ctx.Err()
}

func (d *junosDevice) Close() error { return nil }

func (d *junosDevice) Mode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

func (d *junosDevice) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lines...)
}

var _ connection.Channel = (*junosDevice)(nil)
