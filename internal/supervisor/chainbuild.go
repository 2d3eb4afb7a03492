package supervisor

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jive-vlbi/mark5xfer/internal/constants"
	"github.com/jive-vlbi/mark5xfer/internal/constraint"
	"github.com/jive-vlbi/mark5xfer/internal/stage"

	mark5xfer "github.com/jive-vlbi/mark5xfer"
)

// sourceKind and sinkKind classify the endpoint shape a TransferMode wires,
// letting the Chain builder dispatch on a small, shared vocabulary instead
// of repeating per-mode wiring for every one of the named modes.
type sourceKind int

const (
	srcDisk sourceKind = iota
	srcFile
	srcFifo
	srcFill
	srcNet
	srcMem
)

type sinkKind int

const (
	sinkNet sinkKind = iota
	sinkDisk
	sinkFile
	sinkOut
	sinkMem
	sinkSfxc
	sinkCheck
	sinkTime
	sinkDiscard
)

// chainShape is what modeShape derives from a TransferMode: the endpoint
// kinds plus whether the stream is tee'd to disk on the way (fork) or routed
// through the framer/splitter/multi-destination path (split).
type chainShape struct {
	src   sourceKind
	sink  sinkKind
	fork  bool
	split bool
}

// modeShape reports the Chain shape a TransferMode wires.
func modeShape(mode mark5xfer.TransferMode) (chainShape, error) {
	switch mode {
	case mark5xfer.ModeIn2Net:
		return chainShape{src: srcFifo, sink: sinkNet}, nil
	case mark5xfer.ModeIn2Disk:
		return chainShape{src: srcFifo, sink: sinkDisk}, nil
	case mark5xfer.ModeIn2Fork:
		return chainShape{src: srcFifo, sink: sinkNet, fork: true}, nil
	case mark5xfer.ModeIn2Mem:
		return chainShape{src: srcFifo, sink: sinkMem}, nil
	case mark5xfer.ModeIn2MemFork:
		return chainShape{src: srcFifo, sink: sinkMem, fork: true}, nil
	case mark5xfer.ModeIn2File:
		return chainShape{src: srcFifo, sink: sinkFile}, nil

	case mark5xfer.ModeDisk2Net:
		return chainShape{src: srcDisk, sink: sinkNet}, nil
	case mark5xfer.ModeDisk2File:
		return chainShape{src: srcDisk, sink: sinkFile}, nil
	case mark5xfer.ModeDisk2Out:
		return chainShape{src: srcDisk, sink: sinkOut}, nil

	case mark5xfer.ModeFill2Net:
		return chainShape{src: srcFill, sink: sinkNet}, nil
	case mark5xfer.ModeFill2File:
		return chainShape{src: srcFill, sink: sinkFile}, nil
	case mark5xfer.ModeFill2Out:
		return chainShape{src: srcFill, sink: sinkOut}, nil

	case mark5xfer.ModeFile2Net:
		return chainShape{src: srcFile, sink: sinkNet}, nil
	case mark5xfer.ModeFile2Disk:
		return chainShape{src: srcFile, sink: sinkDisk}, nil
	case mark5xfer.ModeFile2Mem:
		return chainShape{src: srcFile, sink: sinkMem}, nil
	case mark5xfer.ModeFile2Check:
		return chainShape{src: srcFile, sink: sinkCheck}, nil

	case mark5xfer.ModeNet2Out:
		return chainShape{src: srcNet, sink: sinkOut}, nil
	case mark5xfer.ModeNet2Disk:
		return chainShape{src: srcNet, sink: sinkDisk}, nil
	case mark5xfer.ModeNet2Fork:
		return chainShape{src: srcNet, sink: sinkOut, fork: true}, nil
	case mark5xfer.ModeNet2File:
		return chainShape{src: srcNet, sink: sinkFile}, nil
	case mark5xfer.ModeNet2Check:
		return chainShape{src: srcNet, sink: sinkCheck}, nil
	case mark5xfer.ModeNet2Sfxc:
		return chainShape{src: srcNet, sink: sinkSfxc}, nil
	case mark5xfer.ModeNet2SfxcFork:
		return chainShape{src: srcNet, sink: sinkSfxc, fork: true}, nil
	case mark5xfer.ModeNet2Mem:
		return chainShape{src: srcNet, sink: sinkMem}, nil

	case mark5xfer.ModeMem2Net:
		return chainShape{src: srcMem, sink: sinkNet}, nil
	case mark5xfer.ModeMem2File:
		return chainShape{src: srcMem, sink: sinkFile}, nil
	case mark5xfer.ModeMem2Sfxc:
		return chainShape{src: srcMem, sink: sinkSfxc}, nil
	case mark5xfer.ModeMem2Time:
		return chainShape{src: srcMem, sink: sinkTime}, nil

	case mark5xfer.ModeSpill2Net:
		return chainShape{src: srcFill, sink: sinkNet, split: true}, nil
	case mark5xfer.ModeSpill2File:
		return chainShape{src: srcFill, sink: sinkFile, split: true}, nil
	case mark5xfer.ModeSpid2Net:
		return chainShape{src: srcDisk, sink: sinkNet, split: true}, nil
	case mark5xfer.ModeSpid2File:
		return chainShape{src: srcDisk, sink: sinkFile, split: true}, nil
	case mark5xfer.ModeSpif2Net:
		return chainShape{src: srcFile, sink: sinkNet, split: true}, nil
	case mark5xfer.ModeSpif2File:
		return chainShape{src: srcFile, sink: sinkFile, split: true}, nil
	case mark5xfer.ModeSpin2Net:
		return chainShape{src: srcFifo, sink: sinkNet, split: true}, nil
	case mark5xfer.ModeSpin2File:
		return chainShape{src: srcFifo, sink: sinkFile, split: true}, nil
	case mark5xfer.ModeSplet2Net:
		return chainShape{src: srcNet, sink: sinkNet, split: true}, nil
	case mark5xfer.ModeSplet2File:
		return chainShape{src: srcNet, sink: sinkFile, split: true}, nil

	case mark5xfer.ModeCondition:
		return chainShape{src: srcDisk, sink: sinkDiscard}, nil

	default:
		return chainShape{}, fmt.Errorf("supervisor: mode %q has no known chain shape", mode)
	}
}

// build wires a fresh Chain for mode per cfg and the solved constraint Set. It returns the newly added source stage
// (so Connect/On/Off can reach its run-gate via the runStarter/repeater/
// counter interfaces), or nil if the source has none.
func (r *Runtime) build(chain *mark5xfer.Chain, mode mark5xfer.TransferMode, cfg Config, set constraint.Set) (any, error) {
	shape, err := modeShape(mode)
	if err != nil {
		return nil, err
	}

	source, err := r.addSource(chain, shape.src, mode, cfg, set)
	if err != nil {
		return nil, err
	}

	if shape.src == srcNet && cfg.Compress {
		chain.Add(stage.NewDecompressor(r.Codec, set.ReadSize, set.WriteSize, set.CompressOffset), nil)
	}

	if shape.fork {
		chain.Add(stage.NewDiskTee(r.Device), nil)
	}

	if shape.split {
		if err := r.addSplitPath(chain, mode, shape.sink, cfg, set); err != nil {
			return nil, err
		}
		return source, nil
	}

	if cfg.VDIF {
		if r.Format == nil {
			return nil, mark5xfer.NewModeError("build", string(mode), mark5xfer.ErrCodePrecondition, "vdif reframing needs a dataformat")
		}
		chain.Add(stage.NewFramer(r.Format), nil)
		reframer, rerr := stage.NewVDIFReframer(r.Format, 1, 0, 2, set.WriteSize)
		if rerr != nil {
			return nil, rerr
		}
		chain.Add(reframer, nil)
	}

	if shape.sink == sinkNet && cfg.Compress {
		chain.Add(stage.NewCompressor(r.Codec, set.ReadSize, set.WriteSize, set.CompressOffset), nil)
	}

	if err := r.addSink(chain, shape.sink, mode, cfg, set); err != nil {
		return nil, err
	}

	return source, nil
}

// addSource appends kind's source stage to chain and returns it (typed as
// any) so build can report it back as the Chain's run-gated source.
func (r *Runtime) addSource(chain *mark5xfer.Chain, kind sourceKind, mode mark5xfer.TransferMode, cfg Config, set constraint.Set) (any, error) {
	switch kind {
	case srcDisk:
		dr := stage.NewDiskReader(r.Device, set.ReadSize, cfg.StartByte, cfg.EndByte)
		chain.Add(dr, nil)
		return dr, nil

	case srcFile:
		fileMode := cfg.FileMode
		if fileMode == "" {
			fileMode = "r"
		}
		f, err := stage.OpenFile(cfg.FilePath, fileMode)
		if err != nil {
			return nil, err
		}
		chain.Add(stage.NewFdReader(f, set.ReadSize), func() error { return f.Close() })
		return nil, nil

	case srcFifo:
		chain.Add(stage.NewFifoReader(r.FIFO, set.ReadSize, constants.FifoHighWater), nil)
		return nil, nil

	case srcFill:
		initial := cfg.FillStart
		if initial == 0 {
			initial = constants.FillPattern
		}
		g := stage.NewFillPatternGenerator(set.ReadSize, initial, cfg.FillInc)
		if set.FrameSize > 0 && r.Format != nil {
			g.FrameSize = set.FrameSize
			g.Format = r.Format
			g.Syncword = r.Format.SyncWord()
			g.SyncOffset = r.Format.SyncWordOffset()
		}
		if cfg.Realtime {
			g.Realtime = true
			g.BitRate = cfg.TrackBitrate * int64(cfg.NTrack)
		}
		chain.Add(g, nil)
		return g, nil

	case srcNet:
		ns := newNetListenSource(mode, cfg, set)
		chain.Add(ns, ns.cancel)
		return nil, nil

	case srcMem:
		chain.Add(stage.NewQueueReader(r.memQueue, false), nil)
		return nil, nil

	default:
		return nil, fmt.Errorf("supervisor: unknown source kind %d", kind)
	}
}

// addSink appends kind's sink stage (or observer tail) to chain.
func (r *Runtime) addSink(chain *mark5xfer.Chain, kind sinkKind, mode mark5xfer.TransferMode, cfg Config, set constraint.Set) error {
	switch kind {
	case sinkDisk:
		chain.Add(stage.NewDiskWriter(r.Device), nil)
		return nil

	case sinkFile:
		fileMode := cfg.FileMode
		if fileMode == "" {
			fileMode = "w"
		}
		f, err := stage.OpenFile(cfg.FilePath, fileMode)
		if err != nil {
			return err
		}
		chain.Add(stage.NewFdWriter(f), func() error { return f.Close() })
		return nil

	case sinkOut:
		chain.Add(stage.NewFdWriter(os.Stdout), nil)
		return nil

	case sinkNet:
		ns := newNetDialSink(mode, cfg, set)
		chain.Add(ns, ns.cancel)
		return nil

	case sinkMem:
		chain.Add(stage.NewQueueWriter(r.memQueue), nil)
		return nil

	case sinkSfxc:
		if r.Format != nil {
			// Keep the correlator input alive through source outages by
			// synthesizing valid frames when the stream goes silent.
			chain.Add(stage.NewFaker(r.Format, time.Second), nil)
		}
		ns := newNetDialSink(mode, cfg, set)
		ns.sfxc = true
		chain.Add(ns, ns.cancel)
		return nil

	case sinkCheck:
		if r.Format == nil {
			return mark5xfer.NewModeError("add_sink", string(mode), mark5xfer.ErrCodePrecondition, "check modes need a dataformat")
		}
		chain.Add(stage.NewFramer(r.Format), nil)
		checker := stage.NewTimedecoder(r.Format)
		chain.Add(checker, nil)
		r.checker = checker
		chain.Add(stage.NewDiscardSink(), nil)
		return nil

	case sinkTime:
		if r.Format == nil {
			return mark5xfer.NewModeError("add_sink", string(mode), mark5xfer.ErrCodePrecondition, "mem2time needs a dataformat")
		}
		chain.Add(stage.NewFramer(r.Format), nil)
		grabber := stage.NewTimegrabber(r.Format)
		chain.Add(grabber, nil)
		r.timegrabber = grabber
		chain.Add(stage.NewDiscardSink(), nil)
		return nil

	case sinkDiscard:
		chain.Add(stage.NewDiscardSink(), nil)
		return nil

	default:
		return fmt.Errorf("supervisor: unknown sink kind %d", kind)
	}
}

// addSplitPath wires the channel-split tail shared by the spill/spid/spif/
// spin/splet families: framer -> coalescing splitter -> multi-destination
// writer, one destination per output tag.
func (r *Runtime) addSplitPath(chain *mark5xfer.Chain, mode mark5xfer.TransferMode, sink sinkKind, cfg Config, set constraint.Set) error {
	if r.Format == nil {
		return mark5xfer.NewModeError("add_split_path", string(mode), mark5xfer.ErrCodePrecondition, "split modes need a dataformat")
	}
	if len(cfg.Destinations) == 0 {
		return mark5xfer.NewModeError("add_split_path", string(mode), mark5xfer.ErrCodeArgument, "split modes need at least one destination")
	}

	chain.Add(stage.NewFramer(r.Format), nil)

	name := cfg.SplitFuncName
	if name == "" {
		name = "extract_4Ch2bit1to2"
	}
	split, err := stage.LookupSplitFunc(name)
	if err != nil {
		return err
	}
	nchunk := cfg.NChunk
	if nchunk <= 0 {
		nchunk = 2
	}
	sp := stage.NewCoalescingSplitter(split, nchunk, nchunk, cfg.NTrack)
	chain.Add(sp, nil)

	dests := make(map[uint]io.Writer, len(cfg.Destinations))
	for i, d := range cfg.Destinations {
		w, derr := r.openDestination(sink, cfg, d)
		if derr != nil {
			for _, prev := range dests {
				if c, ok := prev.(io.Closer); ok {
					_ = c.Close()
				}
			}
			return derr
		}
		dests[uint(i)] = w
	}
	chain.Add(stage.NewMultiDestinationWriter(dests, sp.TagOf), nil)
	return nil
}

// openDestination opens one multi-destination endpoint: "path[,mode]" for
// the 2file family, "host:port" for the 2net family.
func (r *Runtime) openDestination(sink sinkKind, cfg Config, dest string) (io.Writer, error) {
	if sink == sinkFile {
		path, fileMode := dest, "w"
		if i := strings.LastIndex(dest, ","); i >= 0 {
			path, fileMode = dest[:i], dest[i+1:]
		}
		return stage.OpenFile(path, fileMode)
	}
	network := "tcp"
	if cfg.Protocol == constraint.ProtocolUDP || cfg.Protocol == constraint.ProtocolUDPS {
		network = "udp"
	}
	return net.Dial(network, dest)
}

// solve invokes the Constraint Solver for mode and cfg.
func (r *Runtime) solve(mode mark5xfer.TransferMode, cfg Config) (constraint.Set, error) {
	headerSize := 0
	frameSize := cfg.FrameSize
	if r.Format != nil {
		headerSize = r.Format.HeaderSize()
		if frameSize == 0 {
			frameSize = r.Format.FrameSize()
		}
	}

	ratio := cfg.CompressionRatio
	if cfg.Compress && ratio == 0 {
		if solvedRatio, ok := r.trackmaskRatio(); ok {
			ratio = solvedRatio
		}
	}

	return constraint.Solve(constraint.Params{
		Protocol:               cfg.Protocol,
		MTU:                    cfg.MTU,
		NTrack:                 cfg.NTrack,
		TrackBitrate:           cfg.TrackBitrate,
		FrameSize:              frameSize,
		HeaderSize:             headerSize,
		Compress:               cfg.Compress,
		CompressionRatio:       ratio,
		AllowVariableBlockSize: cfg.Protocol == constraint.ProtocolUDPS,
	})
}

// netListenSource is a Source stage for network-receiving TransferModes
// (net2disk, net2file, splet2net...): it listens/binds on first Run and
// only then delegates to the protocol-specific reader stage, so Connect can
// wire and start the Chain without blocking on a peer that hasn't connected
// yet phase.
type netListenSource struct {
	mode mark5xfer.TransferMode
	cfg  Config
	set  constraint.Set

	mu     sync.Mutex
	closer io.Closer
}

func newNetListenSource(mode mark5xfer.TransferMode, cfg Config, set constraint.Set) *netListenSource {
	return &netListenSource{mode: mode, cfg: cfg, set: set}
}

func (s *netListenSource) Name() string { return "net_listen_source" }

func (s *netListenSource) setCloser(c io.Closer) {
	s.mu.Lock()
	s.closer = c
	s.mu.Unlock()
}

// cancel implements mark5xfer.CancelFunc: closing the listener/connection
// unblocks whatever syscall the delegate reader stage is parked in cancellation model.
func (s *netListenSource) cancel() error {
	s.mu.Lock()
	c := s.closer
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (s *netListenSource) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	addr := netAddr(s.cfg)

	switch {
	case s.cfg.Protocol == constraint.ProtocolUDPS:
		conn, err := net.ListenUDP("udp", udpAddr(s.cfg))
		if err != nil {
			return mark5xfer.NewStageError(s.Name(), 0, mark5xfer.ErrCodeIO, err.Error())
		}
		s.setCloser(conn)
		ur := stage.NewUDPSReader(conn, s.set.BlockSize, s.set.WriteSize, constants.DefaultReadahead)
		ur.VDIFAware = s.cfg.VDIF
		return ur.Run(ctx, sio)

	case s.cfg.Protocol == constraint.ProtocolUDP:
		conn, err := net.ListenUDP("udp", udpAddr(s.cfg))
		if err != nil {
			return mark5xfer.NewStageError(s.Name(), 0, mark5xfer.ErrCodeIO, err.Error())
		}
		s.setCloser(conn)
		return stage.NewPlainUDPReader(conn, s.set.BlockSize).Run(ctx, sio)

	default:
		network := "tcp"
		if s.cfg.Protocol == constraint.ProtocolUnix {
			network = "unix"
			addr = s.cfg.FilePath
		}
		ln, err := net.Listen(network, addr)
		if err != nil {
			return mark5xfer.NewStageError(s.Name(), 0, mark5xfer.ErrCodeIO, err.Error())
		}
		s.setCloser(ln)
		conn, err := ln.Accept()
		if err != nil {
			return nil // listener closed by cancel(); clean shutdown
		}
		s.setCloser(conn)
		return stage.NewSocketReader(conn, s.set.BlockSize, s.set.WriteSize).Run(ctx, sio)
	}
}

// netDialSink is a Sink stage for network-sending TransferModes
// (disk2net, fill2net, mem2sfxc...): it dials out on first Run, matching
// netListenSource's deferred-connect discipline on the sending side. With
// sfxc set it dials the correlator's unix socket at cfg.FilePath instead of
// host:port.
type netDialSink struct {
	mode mark5xfer.TransferMode
	cfg  Config
	set  constraint.Set
	sfxc bool

	mu     sync.Mutex
	closer io.Closer
}

func newNetDialSink(mode mark5xfer.TransferMode, cfg Config, set constraint.Set) *netDialSink {
	return &netDialSink{mode: mode, cfg: cfg, set: set}
}

func (s *netDialSink) Name() string { return "net_dial_sink" }

func (s *netDialSink) setCloser(c io.Closer) {
	s.mu.Lock()
	s.closer = c
	s.mu.Unlock()
}

func (s *netDialSink) cancel() error {
	s.mu.Lock()
	c := s.closer
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (s *netDialSink) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	addr := netAddr(s.cfg)

	ipd := s.cfg.IPD
	if ipd < 0 {
		ipd = stage.TheoreticalIPD(s.cfg.TrackBitrate, s.cfg.NTrack, 1.0, s.set.MTU)
	}

	if !s.sfxc && s.cfg.Protocol == constraint.ProtocolUDPS {
		conn, err := net.DialUDP("udp", nil, udpAddr(s.cfg))
		if err != nil {
			return mark5xfer.NewStageError(s.Name(), 0, mark5xfer.ErrCodeIO, err.Error())
		}
		s.setCloser(conn)
		if s.cfg.VDIF {
			// Each Block already carries exactly one framed unit; send it
			// whole rather than re-chunking.
			return stage.NewVTPWriter(conn, ipd).Run(ctx, sio)
		}
		return stage.NewUDPSequencedWriter(conn, s.set.WriteSize, ipd).Run(ctx, sio)
	}

	network := "tcp"
	switch {
	case s.sfxc:
		network = "unix"
		addr = s.cfg.FilePath
	case s.cfg.Protocol == constraint.ProtocolUDP:
		network = "udp"
	case s.cfg.Protocol == constraint.ProtocolUnix:
		network = "unix"
		addr = s.cfg.FilePath
	}
	conn, err := net.Dial(network, addr)
	if err != nil {
		return mark5xfer.NewStageError(s.Name(), 0, mark5xfer.ErrCodeIO, err.Error())
	}
	s.setCloser(conn)
	return stage.NewFdWriter(conn).Run(ctx, sio)
}

func netAddr(cfg Config) string {
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}

func udpAddr(cfg Config) *net.UDPAddr {
	var ip net.IP
	if cfg.Host != "" {
		ip = net.ParseIP(cfg.Host)
	}
	return &net.UDPAddr{IP: ip, Port: cfg.Port}
}
