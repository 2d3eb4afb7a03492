// Package protocol is the minimal ASCII line protocol driving the Transfer
// Supervisor: `name?[:args]` queries and `name=[args]` commands, one or
// more `;`-terminated statements per line, answered as `!name<?|=>
// code[: field]*;`. It is NOT the full out-of-scope
// multi-device-class VSI/S dispatcher — it only
// recognizes the transfer-mode statements plus the handful of device
// commands the Transfer Supervisor needs; any other name replies with
// status 2 ("does not apply").
package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jive-vlbi/mark5xfer/internal/constraint"
	"github.com/jive-vlbi/mark5xfer/internal/headerfmt"
	"github.com/jive-vlbi/mark5xfer/internal/supervisor"

	mark5xfer "github.com/jive-vlbi/mark5xfer"
)

// defaultDataPort is the data port used when a destination names only a
// host, matching jive5ab's default.
const defaultDataPort = 2630

// Handler answers one parsed statement. It holds the one Runtime a
// connection's command stream drives, plus the
// standing knobs (`net_protocol=`, `mtu=`, `ipd=`, `net_port=`, `mode=`)
// that configure transfers outside of any single `connect` command.
type Handler struct {
	Runtime *supervisor.Runtime

	netProtocol  constraint.Protocol
	mtu          int
	netPort      int
	ipd          time.Duration
	ipdSet       bool
	trackBitrate int64

	dataformat string
	formatMask uint64
}

// NewHandler constructs a Handler bound to rt.
func NewHandler(rt *supervisor.Runtime) *Handler {
	return &Handler{Runtime: rt, netProtocol: constraint.ProtocolTCP, mtu: 1500, netPort: defaultDataPort}
}

// statement is one parsed `name?[:args]` or `name=[args]` unit.
type statement struct {
	name  string
	query bool
	args  []string
}

// Split breaks a protocol line into its `;`-terminated statements,
// trimming whitespace.
func Split(line string) []string {
	parts := strings.Split(line, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseStatement splits one statement into name, query-vs-command, and its
// colon-separated argument fields.
func parseStatement(s string) (statement, error) {
	isQuery := strings.Contains(s, "?")
	isCmd := strings.Contains(s, "=")
	if isQuery == isCmd {
		return statement{}, fmt.Errorf("protocol: statement %q is neither a query nor a command", s)
	}
	sep := "="
	if isQuery {
		sep = "?"
	}
	idx := strings.Index(s, sep)
	name := strings.ToLower(strings.TrimSpace(s[:idx]))
	rest := s[idx+1:]
	var args []string
	if rest != "" {
		args = strings.Split(rest, ":")
		for i := range args {
			args[i] = strings.TrimSpace(args[i])
		}
	}
	return statement{name: name, query: isQuery, args: args}, nil
}

// Handle processes one `;`-joined protocol line and returns the
// corresponding `;`-joined reply, one reply statement per input statement
// in order reply grammar.
func (h *Handler) Handle(line string) string {
	stmts := Split(line)
	replies := make([]string, 0, len(stmts))
	for _, s := range stmts {
		st, err := parseStatement(s)
		if err != nil {
			replies = append(replies, fmt.Sprintf("!error=%d : %s;", mark5xfer.StatusArgument, err.Error()))
			continue
		}
		replies = append(replies, h.dispatch(st))
	}
	return strings.Join(replies, " ")
}

// dispatch answers a single parsed statement.
func (h *Handler) dispatch(st statement) string {
	if mode := mark5xfer.TransferMode(st.name); mode != mark5xfer.ModeNone && mode.Valid() {
		if st.query && mode == mark5xfer.ModeMem2Time {
			// The query form reports the grabbed time pair, not the
			// transfer's connection state.
			osTime, dataTime, ok := h.Runtime.Mem2Time()
			if !ok {
				return h.reply(st, mark5xfer.StatusPrecondition, "no frame observed yet")
			}
			return h.reply(st, mark5xfer.StatusOK,
				osTime.UTC().Format(time.RFC3339Nano), dataTime.UTC().Format(time.RFC3339Nano))
		}
		return h.handleTransfer(mode, st)
	}

	switch st.name {
	case "mode":
		return h.handleModeStatement(st)

	case "transfer":
		if st.query {
			return h.reply(st, mark5xfer.StatusOK, string(h.Runtime.Mode()), h.Runtime.Submode().String())
		}
		return h.reply(st, mark5xfer.StatusNotApplicable, "transfer is query-only; command the mode by name")

	case "net_protocol":
		if st.query {
			return h.reply(st, mark5xfer.StatusOK, h.netProtocol.String())
		}
		if len(st.args) != 1 {
			return h.reply(st, mark5xfer.StatusArgument, "net_protocol needs exactly one argument")
		}
		proto, err := parseProtocol(st.args[0])
		if err != nil {
			return h.reply(st, mark5xfer.StatusArgument, err.Error())
		}
		h.netProtocol = proto
		return h.reply(st, mark5xfer.StatusOK)

	case "mtu":
		if st.query {
			return h.reply(st, mark5xfer.StatusOK, strconv.Itoa(h.mtu))
		}
		if len(st.args) != 1 {
			return h.reply(st, mark5xfer.StatusArgument, "mtu needs exactly one argument")
		}
		n, err := strconv.Atoi(st.args[0])
		if err != nil || n <= 0 {
			return h.reply(st, mark5xfer.StatusArgument, "invalid mtu")
		}
		h.mtu = n
		return h.reply(st, mark5xfer.StatusOK)

	case "net_port":
		if st.query {
			return h.reply(st, mark5xfer.StatusOK, strconv.Itoa(h.netPort))
		}
		if len(st.args) != 1 {
			return h.reply(st, mark5xfer.StatusArgument, "net_port needs exactly one argument")
		}
		n, err := strconv.Atoi(st.args[0])
		if err != nil || n <= 0 || n > 65535 {
			return h.reply(st, mark5xfer.StatusArgument, "invalid net_port")
		}
		h.netPort = n
		return h.reply(st, mark5xfer.StatusOK)

	case "ipd":
		if st.query {
			return h.reply(st, mark5xfer.StatusOK, strconv.FormatInt(int64(h.ipd/time.Microsecond), 10))
		}
		if len(st.args) != 1 {
			return h.reply(st, mark5xfer.StatusArgument, "ipd needs exactly one argument (microseconds)")
		}
		us, err := strconv.ParseInt(st.args[0], 10, 64)
		if err != nil {
			return h.reply(st, mark5xfer.StatusArgument, "invalid ipd")
		}
		h.ipd = time.Duration(us) * time.Microsecond
		h.ipdSet = true
		return h.reply(st, mark5xfer.StatusOK)

	case "trackmask":
		return h.handleTrackmask(st)

	case "protect":
		if st.query {
			state := "on"
			if !h.Runtime.Protected() {
				state = "off"
			}
			return h.reply(st, mark5xfer.StatusOK, state)
		}
		if len(st.args) != 1 {
			return h.reply(st, mark5xfer.StatusArgument, "protect needs on or off")
		}
		switch strings.ToLower(st.args[0]) {
		case "on":
			rep := h.Runtime.SetProtect(true)
			return h.reply(st, rep.Status, rep.Text)
		case "off":
			rep := h.Runtime.SetProtect(false)
			return h.reply(st, rep.Status, rep.Text)
		default:
			return h.reply(st, mark5xfer.StatusArgument, "protect needs on or off")
		}

	case "reset":
		if st.query {
			return h.reply(st, mark5xfer.StatusNotApplicable, "reset is command-only")
		}
		if len(st.args) != 1 || strings.ToLower(st.args[0]) != "erase" {
			return h.reply(st, mark5xfer.StatusArgument, "reset supports only erase")
		}
		rep := h.Runtime.ResetErase()
		return h.reply(st, rep.Status, rep.Text)

	case "position":
		if !st.query {
			return h.reply(st, mark5xfer.StatusNotApplicable, "position is query-only")
		}
		pos, length := h.Runtime.Position()
		return h.reply(st, mark5xfer.StatusOK,
			strconv.FormatInt(pos, 10), strconv.FormatInt(length, 10))

	case "play_rate":
		if st.query {
			return h.reply(st, mark5xfer.StatusOK, strconv.FormatInt(h.trackBitrate, 10))
		}
		if len(st.args) != 1 {
			return h.reply(st, mark5xfer.StatusArgument, "play_rate needs exactly one argument (bits/s per track)")
		}
		n, err := strconv.ParseInt(st.args[0], 10, 64)
		if err != nil || n < 0 {
			return h.reply(st, mark5xfer.StatusArgument, "invalid play_rate")
		}
		h.trackBitrate = n
		return h.reply(st, mark5xfer.StatusOK)

	case "constraints":
		if !st.query {
			return h.reply(st, mark5xfer.StatusNotApplicable, "constraints is query-only")
		}
		set := h.Runtime.LastConstraintSet()
		trackformat := "none"
		if h.dataformat != "" {
			trackformat = h.dataformat
		}
		return h.reply(st, mark5xfer.StatusOK,
			strconv.Itoa(h.Runtime.NTrack()), trackformat, strconv.FormatInt(h.trackBitrate, 10),
			strconv.Itoa(set.BlockSize), strconv.Itoa(set.ReadSize), strconv.Itoa(set.WriteSize),
			strconv.Itoa(set.FrameSize), strconv.Itoa(set.MTU))

	case "tstat":
		if st.query {
			elapsed, rates, _ := h.Runtime.Tstat(true)
			fields := []string{fmt.Sprintf("%.3f", elapsed.Seconds()), string(h.Runtime.Mode())}
			for _, r := range rates {
				fields = append(fields, fmt.Sprintf("%s : %.0f", r.Name, r.BitsPerSecond))
			}
			fields = append(fields, fmt.Sprintf("F : %.1f%%", h.Runtime.FifoOccupancy()*100))
			return h.reply(st, mark5xfer.StatusOK, fields...)
		}
		_, _, raw := h.Runtime.Tstat(false)
		return h.reply(st, mark5xfer.StatusOK, strconv.FormatInt(raw.UnixTime, 10))

	default:
		return h.reply(st, mark5xfer.StatusNotApplicable, "unrecognized command "+st.name)
	}
}

// handleModeStatement implements the `mode=` data-format command family
// (e.g. `mode=mark5b:0xffffffff`): it selects the header format
// and track count every format-aware stage consumes.
func (h *Handler) handleModeStatement(st statement) string {
	if st.query {
		if h.dataformat == "" {
			return h.reply(st, mark5xfer.StatusOK, "none")
		}
		return h.reply(st, mark5xfer.StatusOK, h.dataformat, fmt.Sprintf("0x%08x", h.formatMask))
	}
	if len(st.args) == 0 {
		return h.reply(st, mark5xfer.StatusArgument, "mode= needs a data format name")
	}

	name := strings.ToLower(st.args[0])
	if name == "none" {
		h.dataformat = ""
		h.formatMask = 0
		h.Runtime.SetFormat(nil, 0)
		return h.reply(st, mark5xfer.StatusOK)
	}

	mask := uint64(0xFFFFFFFF)
	if len(st.args) > 1 {
		m, err := parseUint(st.args[1])
		if err != nil {
			return h.reply(st, mark5xfer.StatusArgument, "invalid track bitmask")
		}
		mask = m
	}
	ntrack := popcount(mask)
	if ntrack == 0 {
		return h.reply(st, mark5xfer.StatusArgument, "track bitmask selects no tracks")
	}

	format, err := buildFormat(name, ntrack)
	if err != nil {
		return h.reply(st, mark5xfer.StatusArgument, err.Error())
	}
	h.dataformat = name
	h.formatMask = mask
	h.Runtime.SetFormat(format, ntrack)
	return h.reply(st, mark5xfer.StatusOK)
}

// buildFormat constructs the header descriptor for a named data format.
func buildFormat(name string, ntrack int) (headerfmt.Format, error) {
	switch name {
	case "mark5b", "mark5b_tvg", "ext":
		// Mark5B frames are 10016 bytes regardless of track count: 16-byte
		// header plus 2500 32-bit data words.
		return headerfmt.NewMark5B(10016)
	case "mark4", "mk4", "vlba":
		return headerfmt.NewMark4(2500 * ntrack)
	case "vdif":
		return headerfmt.NewVDIF(8000, 1, 0, 2)
	default:
		return nil, fmt.Errorf("unknown data format %q", name)
	}
}

// handleTrackmask implements the async trackmask solve:
// `trackmask=` answers 1 and computes in the background; `trackmask?`
// answers 5 while busy, then 0 with the mask.
func (h *Handler) handleTrackmask(st statement) string {
	if st.query {
		busy, solved, mask, ratio := h.Runtime.Trackmask()
		switch {
		case busy:
			return h.reply(st, mark5xfer.StatusBusy, "computing")
		case solved:
			return h.reply(st, mark5xfer.StatusOK,
				fmt.Sprintf("0x%016x", mask), fmt.Sprintf("%.4f", ratio))
		default:
			return h.reply(st, mark5xfer.StatusPrecondition, "no trackmask set")
		}
	}
	if len(st.args) == 0 {
		return h.reply(st, mark5xfer.StatusArgument, "trackmask= needs a mask")
	}
	mask, err := parseUint(st.args[0])
	if err != nil {
		return h.reply(st, mark5xfer.StatusArgument, "invalid trackmask")
	}
	distance := 0
	if len(st.args) > 1 {
		d, derr := strconv.Atoi(st.args[1])
		if derr != nil {
			return h.reply(st, mark5xfer.StatusArgument, "invalid sign-magnitude distance")
		}
		distance = d
	}
	rep := h.Runtime.SolveTrackmask(mask, distance)
	return h.reply(st, rep.Status, rep.Text)
}

// handleTransfer implements the `<mode>=connect/on/off` command family for
// a statement named after a transfer mode, plus the `<mode>?`
// status query.
func (h *Handler) handleTransfer(mode mark5xfer.TransferMode, st statement) string {
	if st.query {
		if h.Runtime.Mode() == mode {
			return h.reply(st, mark5xfer.StatusOK, "active", h.Runtime.Submode().String())
		}
		return h.reply(st, mark5xfer.StatusOK, "inactive")
	}

	if len(st.args) == 0 {
		return h.reply(st, mark5xfer.StatusArgument, "needs a verb: connect, on, off")
	}
	verb := strings.ToLower(st.args[0])
	rest := st.args[1:]

	switch verb {
	case "connect", "open":
		cfg, err := h.configFor(mode, rest)
		if err != nil {
			return h.reply(st, mark5xfer.StatusArgument, err.Error())
		}
		reply := h.Runtime.Connect(mode, cfg)
		return h.reply(st, reply.Status, reply.Text)

	case "on":
		cfg, err := parseOnArgs(rest)
		if err != nil {
			return h.reply(st, mark5xfer.StatusArgument, err.Error())
		}
		reply := h.Runtime.On(cfg)
		return h.reply(st, reply.Status, reply.Text)

	case "off", "disconnect", "close":
		reply := h.Runtime.Off()
		return h.reply(st, reply.Status, reply.Text)

	default:
		return h.reply(st, mark5xfer.StatusArgument, "unrecognized verb "+verb)
	}
}

// parseOnArgs turns `= on[:start[:end|+N[:repeat]]]` (disk sources) or
// `= on[:nword]` (fill sources) into the Config the supervisor communicates
// down to the source stage. The numeric fields are shared: the first number
// is both the fill word count and the disk start byte; the second, if
// present, is the disk end byte (`+N` meaning start-relative).
func parseOnArgs(args []string) (supervisor.Config, error) {
	cfg := supervisor.Config{}
	nums := make([]string, 0, len(args))
	for _, a := range args {
		if strings.EqualFold(a, "repeat") {
			cfg.Repeat = true
			continue
		}
		if a != "" {
			nums = append(nums, a)
		}
	}
	if len(nums) > 0 {
		n, err := strconv.ParseInt(strings.TrimPrefix(nums[0], "+"), 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid count/start %q", nums[0])
		}
		cfg.Count = n
		cfg.StartByte = n
	}
	if len(nums) > 1 {
		relative := strings.HasPrefix(nums[1], "+")
		n, err := strconv.ParseInt(strings.TrimPrefix(nums[1], "+"), 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid end %q", nums[1])
		}
		if relative {
			n += cfg.StartByte
		}
		cfg.EndByte = n
	}
	return cfg, nil
}

// configFor turns a `<mode>=connect:<args...>` argument list into a
// supervisor.Config, pulling in the Handler's standing knobs. Argument
// conventions per mode family:
//
//	*2net, mem2net host [port]
//	net2* [listen port]
//	*2file, file2* path [r|w|a]
//	fill2* [start [inc [realtime]]]
//	sp*2net, sp*2file one destination per trailing field
//	*2sfxc unix socket path
func (h *Handler) configFor(mode mark5xfer.TransferMode, rest []string) (supervisor.Config, error) {
	cfg := supervisor.Config{
		Protocol:     h.netProtocol,
		MTU:          h.mtu,
		Port:         h.netPort,
		NTrack:       h.Runtime.NTrack(),
		TrackBitrate: h.trackBitrate,
	}
	if h.ipdSet {
		cfg.IPD = h.ipd
	}

	take := func() (string, bool) {
		if len(rest) == 0 {
			return "", false
		}
		v := rest[0]
		rest = rest[1:]
		return v, true
	}

	if mode.IsSplit() {
		// spif2* names its source file first; every following field is one
		// destination.
		if mode == mark5xfer.ModeSpif2Net || mode == mark5xfer.ModeSpif2File {
			path, ok := take()
			if !ok {
				return cfg, fmt.Errorf("%s needs a source file", mode)
			}
			cfg.FilePath = path
		}
		if len(rest) == 0 {
			return cfg, fmt.Errorf("%s needs at least one destination", mode)
		}
		cfg.Destinations = h.qualifyDestinations(mode, rest)
		return cfg, nil
	}

	switch mode {
	case mark5xfer.ModeDisk2Net, mark5xfer.ModeIn2Net, mark5xfer.ModeIn2Fork,
		mark5xfer.ModeFile2Net, mark5xfer.ModeMem2Net, mark5xfer.ModeFill2Net:
		if mode == mark5xfer.ModeFile2Net {
			path, ok := take()
			if !ok {
				return cfg, fmt.Errorf("file2net needs a source file")
			}
			cfg.FilePath = path
		}
		if host, ok := take(); ok {
			cfg.Host, cfg.Port = splitHostPort(host, h.netPort)
		}
		if port, ok := take(); ok {
			if n, err := strconv.Atoi(port); err == nil {
				cfg.Port = n
			} else {
				rest = append([]string{port}, rest...)
			}
		}
		if mode == mark5xfer.ModeFill2Net {
			if err := parseFillArgs(&cfg, rest); err != nil {
				return cfg, err
			}
		}
		return cfg, nil

	case mark5xfer.ModeNet2Out, mark5xfer.ModeNet2Disk, mark5xfer.ModeNet2Fork,
		mark5xfer.ModeNet2Mem, mark5xfer.ModeNet2Check:
		if port, ok := take(); ok {
			if n, err := strconv.Atoi(port); err == nil {
				cfg.Port = n
			}
		}
		return cfg, nil

	case mark5xfer.ModeNet2File:
		if port, ok := take(); ok {
			if n, err := strconv.Atoi(port); err == nil {
				cfg.Port = n
			} else {
				cfg.FilePath = port
			}
		}
		if cfg.FilePath == "" {
			path, ok := take()
			if !ok {
				return cfg, fmt.Errorf("net2file needs a destination file")
			}
			cfg.FilePath = path
		}
		if fm, ok := take(); ok {
			cfg.FileMode = fm
		}
		return cfg, nil

	case mark5xfer.ModeNet2Sfxc, mark5xfer.ModeNet2SfxcFork, mark5xfer.ModeMem2Sfxc:
		path, ok := take()
		if !ok {
			return cfg, fmt.Errorf("%s needs the sfxc socket path", mode)
		}
		cfg.FilePath = path
		return cfg, nil

	case mark5xfer.ModeFill2File:
		path, ok := take()
		if !ok {
			return cfg, fmt.Errorf("fill2file needs a destination file")
		}
		cfg.FilePath = path
		if err := parseFillArgs(&cfg, rest); err != nil {
			return cfg, err
		}
		return cfg, nil

	case mark5xfer.ModeFill2Out:
		if err := parseFillArgs(&cfg, rest); err != nil {
			return cfg, err
		}
		return cfg, nil

	case mark5xfer.ModeDisk2File, mark5xfer.ModeIn2File, mark5xfer.ModeMem2File,
		mark5xfer.ModeFile2Disk, mark5xfer.ModeFile2Mem, mark5xfer.ModeFile2Check:
		path, ok := take()
		if !ok {
			return cfg, fmt.Errorf("%s needs a file path", mode)
		}
		cfg.FilePath = path
		if fm, ok := take(); ok {
			cfg.FileMode = fm
		}
		return cfg, nil

	default:
		// in2disk, in2mem, in2memfork, disk2out, mem2time, condition:
		// no connect arguments beyond the standing knobs.
		return cfg, nil
	}
}

// parseFillArgs consumes the trailing [start [inc [realtime]]] fields of a
// fill2* connect command.
func parseFillArgs(cfg *supervisor.Config, rest []string) error {
	if len(rest) > 0 && rest[0] != "" {
		v, err := parseUint(rest[0])
		if err != nil {
			return fmt.Errorf("invalid fill start %q", rest[0])
		}
		cfg.FillStart = v
	}
	if len(rest) > 1 && rest[1] != "" {
		v, err := parseUint(rest[1])
		if err != nil {
			return fmt.Errorf("invalid fill increment %q", rest[1])
		}
		cfg.FillInc = v
	}
	if len(rest) > 2 && rest[2] != "" {
		cfg.Realtime = rest[2] == "1" || strings.EqualFold(rest[2], "true")
	}
	return nil
}

// qualifyDestinations turns the trailing destination fields of a split-mode
// connect into full endpoints: net destinations get the standing data port
// appended; file destinations pass through (with an optional ",mode").
func (h *Handler) qualifyDestinations(mode mark5xfer.TransferMode, fields []string) []string {
	toNet := strings.HasSuffix(string(mode), "2net")
	out := make([]string, 0, len(fields))
	for i, f := range fields {
		if toNet {
			// Parallel streams to one host spread over consecutive ports.
			out = append(out, fmt.Sprintf("%s:%d", f, h.netPort+i))
			continue
		}
		out = append(out, f)
	}
	return out
}

// splitHostPort parses "host@port" style single-field endpoints; since ':'
// is the statement field separator, a port within one field is not
// expressible and the default applies.
func splitHostPort(s string, defaultPort int) (string, int) {
	if i := strings.LastIndex(s, "@"); i >= 0 {
		if port, err := strconv.Atoi(s[i+1:]); err == nil {
			return s[:i], port
		}
	}
	return s, defaultPort
}

// parseUint parses a decimal or 0x-prefixed hexadecimal unsigned value.
func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

func popcount(v uint64) int {
	n := 0
	for ; v != 0; v &= v - 1 {
		n++
	}
	return n
}

func parseProtocol(s string) (constraint.Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return constraint.ProtocolTCP, nil
	case "udp":
		return constraint.ProtocolUDP, nil
	case "udps", "udpsnor":
		return constraint.ProtocolUDPS, nil
	case "unix":
		return constraint.ProtocolUnix, nil
	default:
		return constraint.ProtocolNone, fmt.Errorf("protocol: unknown net_protocol %q", s)
	}
}

// reply renders one `!name<?|=> code[: field]*;` statement reply grammar. Empty trailing fields are dropped.
func (h *Handler) reply(st statement, status mark5xfer.Status, fields ...string) string {
	marker := "="
	if st.query {
		marker = "?"
	}
	out := fmt.Sprintf("!%s%s%d", st.name, marker, int(status))
	for _, f := range fields {
		if f == "" {
			continue
		}
		out += " : " + f
	}
	return out + ";"
}
