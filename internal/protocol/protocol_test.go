package protocol

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jive-vlbi/mark5xfer/internal/blockdev"
	"github.com/jive-vlbi/mark5xfer/internal/ioboard"
	"github.com/jive-vlbi/mark5xfer/internal/supervisor"

	mark5xfer "github.com/jive-vlbi/mark5xfer"
)

func newTestHandler() *Handler {
	rt := supervisor.NewRuntime(blockdev.NewMemory(1<<20), blockdev.NewMemoryFIFO(1<<16), ioboard.New(), nil)
	return NewHandler(rt)
}

func TestSplitTrimsAndDropsEmptyStatements(t *testing.T) {
	got := Split(" mode? ; net_protocol=tcp ; ; mtu=1500 ")
	require.Equal(t, []string{"mode?", "net_protocol=tcp", "mtu=1500"}, got)
}

func TestParseStatementQueryAndCommand(t *testing.T) {
	st, err := parseStatement("mode?")
	require.NoError(t, err)
	require.Equal(t, "mode", st.name)
	require.True(t, st.query)
	require.Nil(t, st.args)

	st, err = parseStatement("disk2file=connect:/tmp/x")
	require.NoError(t, err)
	require.Equal(t, "disk2file", st.name)
	require.False(t, st.query)
	require.Equal(t, []string{"connect", "/tmp/x"}, st.args)
}

func TestParseStatementRejectsAmbiguousOrEmptyStatements(t *testing.T) {
	_, err := parseStatement("garbage")
	require.Error(t, err)

	_, err = parseStatement("mode?=")
	require.Error(t, err)
}

func TestHandleModeQueryReportsNoneBeforeFormatSet(t *testing.T) {
	h := newTestHandler()
	reply := h.Handle("mode?")
	require.Equal(t, "!mode?0 : none;", reply)
}

func TestHandleModeCommandConfiguresFormat(t *testing.T) {
	h := newTestHandler()
	require.Equal(t, "!mode=0;", h.Handle("mode=mark5b:0xffffffff"))
	require.Equal(t, "!mode?0 : mark5b : 0xffffffff;", h.Handle("mode?"))
	require.Equal(t, 32, h.Runtime.NTrack())
	require.Equal(t, "mark5b", h.Runtime.Format.Name())
	require.Equal(t, 10016, h.Runtime.Format.FrameSize())
}

func TestHandleModeCommandRejectsUnknownFormatAndEmptyMask(t *testing.T) {
	h := newTestHandler()
	require.Contains(t, h.Handle("mode=betamax"), "!mode=8")
	require.Contains(t, h.Handle("mode=mark5b:0x0"), "!mode=8")
}

func TestHandleUnknownStatementIsNotApplicable(t *testing.T) {
	h := newTestHandler()
	reply := h.Handle("bogus?")
	require.Contains(t, reply, "!bogus?2")
}

func TestHandleMalformedStatementIsArgumentError(t *testing.T) {
	h := newTestHandler()
	reply := h.Handle("neitherqnorcmd")
	require.Contains(t, reply, "!error=8")
}

func TestHandleMultipleStatementsPerLine(t *testing.T) {
	h := newTestHandler()
	reply := h.Handle("net_protocol=udp; mtu=8000")
	require.Equal(t, "!net_protocol=0; !mtu=0;", reply)
}

func TestHandleNetProtocolSetAndQuery(t *testing.T) {
	h := newTestHandler()
	require.Equal(t, "!net_protocol=0;", h.Handle("net_protocol=udp"))
	require.Equal(t, "!net_protocol?0 : udp;", h.Handle("net_protocol?"))
}

func TestHandleNetProtocolRejectsUnknownName(t *testing.T) {
	h := newTestHandler()
	reply := h.Handle("net_protocol=carrier_pigeon")
	require.Contains(t, reply, "!net_protocol=8")
}

func TestHandleMTUSetAndQuery(t *testing.T) {
	h := newTestHandler()
	require.Equal(t, "!mtu=0;", h.Handle("mtu=9000"))
	require.Equal(t, "!mtu?0 : 9000;", h.Handle("mtu?"))
}

func TestHandleIPDSetAndQuery(t *testing.T) {
	h := newTestHandler()
	require.Equal(t, "!ipd=0;", h.Handle("ipd=50"))
	require.Equal(t, "!ipd?0 : 50;", h.Handle("ipd?"))
	require.Equal(t, "!ipd=0;", h.Handle("ipd=-1"))
}

func TestHandleConstraintsIsQueryOnly(t *testing.T) {
	h := newTestHandler()
	reply := h.Handle("constraints=anything")
	require.Contains(t, reply, "!constraints=2")
}

// The basic fill2file lifecycle: connect, on:128, disconnect
// produces a 1024-byte file of the fill word repeated 128 times.
func TestHandleFill2FileLifecycle(t *testing.T) {
	h := newTestHandler()

	path := filepath.Join(t.TempDir(), "a.bin")
	require.Contains(t, h.Handle("fill2file=connect:"+path), "!fill2file=0")
	require.Equal(t, mark5xfer.ModeFill2File, h.Runtime.Mode())

	require.Contains(t, h.Handle("fill2file=on:128"), "!fill2file=0")

	require.Eventually(t, func() bool {
		return h.Runtime.Mode() == mark5xfer.ModeNone
	}, 5*time.Second, 10*time.Millisecond)

	require.Contains(t, h.Handle("fill2file=disconnect"), "!fill2file=6")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 1024, len(data))
	for off := 0; off+8 <= len(data); off += 8 {
		require.Equal(t, uint64(0x1122334411223344), binary.LittleEndian.Uint64(data[off:off+8]))
	}
}

// A framed fill2file run: with mode=mark5b the output
// starts with the Mark5B syncword and frame 1 begins at byte 10016 with
// frame-number 1.
func TestHandleFill2FileFramedMark5B(t *testing.T) {
	h := newTestHandler()
	require.Equal(t, "!mode=0;", h.Handle("mode=mark5b:0xffffffff"))

	path := filepath.Join(t.TempDir(), "b.bin")
	require.Contains(t, h.Handle("fill2file=connect:"+path+":0x1122334411223344:0:1"), "!fill2file=0")
	require.Contains(t, h.Handle("fill2file=on:20000"), "!fill2file=0")

	require.Eventually(t, func() bool {
		return h.Runtime.Mode() == mark5xfer.ModeNone
	}, 5*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 2*10016)

	require.Equal(t, []byte{0xAB, 0xAD, 0xDE, 0xED}, data[0:4])
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(data[4:8])&0x7FFF)

	frame1 := data[10016:]
	require.Equal(t, []byte{0xAB, 0xAD, 0xDE, 0xED}, frame1[0:4])
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(frame1[4:8])&0x7FFF)
}

func TestHandleConnectRejectsUnknownVerb(t *testing.T) {
	h := newTestHandler()
	reply := h.Handle("disk2net=explode")
	require.Contains(t, reply, "!disk2net=8")
}

func TestHandleTransferQueryReportsInactive(t *testing.T) {
	h := newTestHandler()
	require.Equal(t, "!disk2net?0 : inactive;", h.Handle("disk2net?"))
	require.Contains(t, h.Handle("transfer?"), "no_transfer")
}

func TestHandleOffWithoutConnectIsPrecondition(t *testing.T) {
	h := newTestHandler()
	reply := h.Handle("fill2file=off")
	require.Contains(t, reply, "!fill2file=6")
}

// The trackmask solve: the command answers 1, queries
// answer 5 while computing, then 0 with the mask.
func TestHandleTrackmaskAsyncSolve(t *testing.T) {
	h := newTestHandler()

	require.Contains(t, h.Handle("trackmask=0xf0f0f0f0f0f0f0f0:0"), "!trackmask=1")
	require.Contains(t, h.Handle("trackmask?"), "!trackmask?5")

	require.Eventually(t, func() bool {
		busy, solved, _, _ := h.Runtime.Trackmask()
		return !busy && solved
	}, 5*time.Second, 10*time.Millisecond)

	reply := h.Handle("trackmask?")
	require.Contains(t, reply, "!trackmask?0")
	require.Contains(t, reply, "0xf0f0f0f0f0f0f0f0")
}

func TestHandleTrackmaskQueryBeforeSolveIsPrecondition(t *testing.T) {
	h := newTestHandler()
	require.Contains(t, h.Handle("trackmask?"), "!trackmask?6")
}

// The protect/erase interlock.
func TestHandleResetEraseRequiresProtectOff(t *testing.T) {
	h := newTestHandler()

	// Record something so position? has a nonzero length to clear.
	_, err := h.Runtime.Device.Append(make([]byte, 4096))
	require.NoError(t, err)

	require.Contains(t, h.Handle("reset=erase"), "!reset=6")

	require.Equal(t, "!protect=0;", h.Handle("protect=off"))
	require.Contains(t, h.Handle("reset=erase"), "!reset=0")

	require.Equal(t, "!position?0 : 0 : 0;", h.Handle("position?"))

	// The protect latch re-arms after one destructive use.
	require.Contains(t, h.Handle("reset=erase"), "!reset=6")
}

func TestHandleMem2TimeQueryBeforeDataIsPrecondition(t *testing.T) {
	h := newTestHandler()
	require.Contains(t, h.Handle("mem2time?"), "!mem2time?6")
}

func TestSplitHostPortVariants(t *testing.T) {
	host, port := splitHostPort("host.example@1234", 2630)
	require.Equal(t, "host.example", host)
	require.Equal(t, 1234, port)

	host, port = splitHostPort("host.example", 2630)
	require.Equal(t, "host.example", host)
	require.Equal(t, 2630, port)
}

func TestConfigForSplitModeQualifiesDestinations(t *testing.T) {
	h := newTestHandler()

	cfg, err := h.configFor(mark5xfer.ModeSpill2Net, []string{"hostA", "hostB"})
	require.NoError(t, err)
	require.Equal(t, []string{"hostA:2630", "hostB:2631"}, cfg.Destinations)

	cfg, err = h.configFor(mark5xfer.ModeSpif2File, []string{"/tmp/in.bin", "/tmp/o0", "/tmp/o1"})
	require.NoError(t, err)
	require.Equal(t, "/tmp/in.bin", cfg.FilePath)
	require.Equal(t, []string{"/tmp/o0", "/tmp/o1"}, cfg.Destinations)

	_, err = h.configFor(mark5xfer.ModeSpill2Net, nil)
	require.Error(t, err)
}

func TestParseOnArgsRangesAndRepeat(t *testing.T) {
	cfg, err := parseOnArgs([]string{"1000", "+4096", "repeat"})
	require.NoError(t, err)
	require.Equal(t, int64(1000), cfg.StartByte)
	require.Equal(t, int64(5096), cfg.EndByte)
	require.True(t, cfg.Repeat)

	_, err = parseOnArgs([]string{"not-a-number"})
	require.Error(t, err)
}

func TestParseProtocolVariants(t *testing.T) {
	p, err := parseProtocol("TCP")
	require.NoError(t, err)
	require.Equal(t, "tcp", p.String())

	p, err = parseProtocol("udps")
	require.NoError(t, err)
	require.Equal(t, "udps", p.String())

	_, err = parseProtocol("sneakernet")
	require.Error(t, err)
}

func TestTstatQueryReportsElapsedModeAndFifo(t *testing.T) {
	h := newTestHandler()
	reply := h.Handle("tstat?")
	require.Contains(t, reply, "!tstat?0")
	require.Contains(t, reply, "no_transfer")
	require.Contains(t, reply, "F : ")
}
