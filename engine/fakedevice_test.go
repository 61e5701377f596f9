package engine

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/charlesren/netpriv/connection"
	"github.com/charlesren/netpriv/privilege"
)

const (
	modeExec = iota
	modePriv
	modeConfig
	modeClosed
)

// fakeDevice 进程内的 Cisco 风格 CLI 模拟器，同步处理每一行输入并把输出放入待读缓冲
type fakeDevice struct {
	mu sync.Mutex

	hostname string
	mode     int
	// enable 口令，askPassword 为 false 时 enable 直接进入特权模式
	secret      string
	askPassword bool
	// 口令错误时再次询问而不是退回 exec
	reaskOnReject bool
	// 这些命令永远不返回提示符
	hang map[string]bool
	// 这些命令在任何模式下都报 Invalid input
	invalid map[string]bool
	// 非空时替代正常提示符
	rawPrompt string

	awaitingPassword bool
	partial          []byte
	pending          []byte

	lines    []string // 设备收到的每一行，口令以 <redacted> 记录
	redacted [][]byte
	writes   int
	closed   bool
}

func newFakeDevice(mode int) *fakeDevice {
	d := &fakeDevice{
		hostname:    "switch",
		mode:        mode,
		secret:      "s3cret",
		askPassword: true,
		hang:        map[string]bool{},
		invalid:     map[string]bool{},
	}
	d.pending = []byte("\r\nCisco Nexus Operating System (NX-OS) Software\r\n" + d.prompt())
	return d
}

func (d *fakeDevice) prompt() string {
	if d.rawPrompt != "" {
		return d.rawPrompt
	}
	switch d.mode {
	case modeExec:
		return d.hostname + "> "
	case modePriv:
		return d.hostname + "# "
	case modeConfig:
		return d.hostname + "(config)# "
	default:
		return ""
	}
}

func (d *fakeDevice) Write(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return connection.ErrChannelClosed
	}
	d.writes++
	d.partial = append(d.partial, b...)
	return nil
}

func (d *fakeDevice) WriteRedacted(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return connection.ErrChannelClosed
	}
	d.writes++
	d.redacted = append(d.redacted, append([]byte(nil), b...))
	d.partial = append(d.partial, b...)
	return nil
}

func (d *fakeDevice) WriteLine(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return connection.ErrChannelClosed
	}
	d.writes++
	line := string(append(d.partial, b...))
	d.partial = nil
	d.handle(line)
	return nil
}

func (d *fakeDevice) ReadAvailable() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return nil, nil
	}
	out := d.pending
	d.pending = nil
	return out, nil
}

// ReadUntilMatch 模拟器是同步的，没有匹配时不会再有新数据，只能等 ctx 结束
func (d *fakeDevice) ReadUntilMatch(ctx context.Context, patterns ...*regexp.Regexp) ([]byte, error) {
	d.mu.Lock()
	out := d.pending
	d.pending = nil
	d.mu.Unlock()

	window := privilege.Tail(out, privilege.DefaultSearchDepth)
	for _, re := range patterns {
		if re != nil && re.Match(window) {
			return out, nil
		}
	}
	<-ctx.Done()
	return out, ctx.Err()
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) handle(line string) {
	if d.awaitingPassword {
		d.awaitingPassword = false
		d.lines = append(d.lines, "<redacted>")
		switch {
		case line == d.secret:
			d.mode = modePriv
			d.emit("\r\n" + d.prompt())
		case d.reaskOnReject:
			d.awaitingPassword = true
			d.emit("\r\nPassword: ")
		default:
			d.emit("\r\n% Bad secrets\r\n\r\n" + d.prompt())
		}
		return
	}

	d.lines = append(d.lines, line)
	cmd := strings.TrimSpace(line)
	d.emit(line + "\r\n")
	if d.hang[cmd] {
		return
	}

	var out string
	switch {
	case d.invalid[cmd]:
		out = "                  ^\r\n% Invalid input detected at '^' marker.\r\n\r\n"
	case cmd == "":
	case d.mode == modeExec && cmd == "enable":
		if d.askPassword {
			d.awaitingPassword = true
			d.emit("Password: ")
			return
		}
		d.mode = modePriv
	case d.mode == modeExec && cmd == "exit", d.mode == modePriv && cmd == "exit":
		d.mode = modeClosed
		d.closed = true
		return
	case d.mode == modePriv && cmd == "disable":
		d.mode = modeExec
	case d.mode == modePriv && cmd == "configure terminal":
		out = "Enter configuration commands, one per line. End with CNTL/Z.\r\n"
		d.mode = modeConfig
	case d.mode == modePriv && cmd == "show version":
		out = "Cisco Nexus Operating System (NX-OS) Software\r\n  NXOS: version 9.3(8)\r\n"
	case d.mode == modePriv && strings.HasPrefix(cmd, "terminal "):
	case d.mode == modeConfig && (cmd == "end" || cmd == "exit"):
		d.mode = modePriv
	case d.mode == modeConfig && (strings.HasPrefix(cmd, "interface ") || strings.HasPrefix(cmd, "description ")):
	default:
		out = "                  ^\r\n% Invalid input detected at '^' marker.\r\n\r\n"
	}
	d.emit(out + d.prompt())
}

func (d *fakeDevice) emit(s string) {
	d.pending = append(d.pending, s...)
}

func (d *fakeDevice) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lines...)
}

func (d *fakeDevice) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

func (d *fakeDevice) Mode() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

func (d *fakeDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

var (
	_ connection.Channel        = (*fakeDevice)(nil)
	_ connection.RedactedWriter = (*fakeDevice)(nil)
)
