// callsim wires two call stacks back to back over an in-memory signaling
// pipe and runs one complete call: place, ring, accept, talk, hang up. It is
// a smoke-test harness for the full offer/answer/ICE path, including the
// record each side writes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ringlink/ringlink/internal/call"
	"github.com/ringlink/ringlink/internal/callrecord"
	"github.com/ringlink/ringlink/internal/config"
	"github.com/ringlink/ringlink/internal/engine/pionengine"
	"github.com/ringlink/ringlink/internal/signaling"
)

var log = logging.Logger("callsim")

type openDirectory struct{}

func (openDirectory) IsRegistered() bool                    { return true }
func (openDirectory) IsIdentityTrusted(call.PartyID) bool   { return true }
func (openDirectory) HasSessionKeys(call.PartyID) bool      { return true }
func (openDirectory) MayReceiveCallsFrom(call.PartyID) bool { return true }

// identitySignaler stamps the sender on every outbound envelope before
// handing it to the pipe.
type identitySignaler struct {
	party call.PartyID
	ep    *signaling.PipeEndpoint
}

func (s identitySignaler) Send(ctx context.Context, msg signaling.Message) error {
	msg.From = string(s.party)
	return s.ep.Send(ctx, msg)
}

type device struct {
	name    string
	party   call.PartyID
	coord   *call.Coordinator
	engine  *pionengine.Engine
	records *callrecord.Store

	states     chan call.State
	autoAccept bool
}

func (d *device) OnStateChanged(sess *call.Session, state call.State) {
	log.Infow("state", "device", d.name, "session", sess.ID(), "state", state)
	select {
	case d.states <- state:
	default:
	}
	if d.autoAccept && state == call.StateLocalRingingReady {
		// AcceptCall blocks on the control sequence; never call it from a
		// delegate callback, which already runs there.
		go func() {
			if err := d.coord.AcceptCall(sess); err != nil {
				log.Errorw("auto accept failed", "device", d.name, "err", err)
			}
		}()
	}
}

func (d *device) OnLocalAudioMuteChanged(sess *call.Session, muted bool) {
	log.Infow("local audio mute", "device", d.name, "muted", muted)
}

func (d *device) OnLocalVideoMuteChanged(sess *call.Session, enabled bool) {
	log.Infow("local video", "device", d.name, "enabled", enabled)
}

func (d *device) OnHoldChanged(sess *call.Session, onHold bool) {
	log.Infow("hold", "device", d.name, "on_hold", onHold)
}

func (d *device) OnRemoteVideoMuteChanged(sess *call.Session, enabled bool) {
	log.Infow("remote video", "device", d.name, "enabled", enabled)
}

func (d *device) OnRemoteScreenShareChanged(sess *call.Session, sharing bool) {
	log.Infow("remote screen share", "device", d.name, "sharing", sharing)
}

func (d *device) CallScreenVisible() bool { return true }

func newDevice(name string, party call.PartyID, deviceID uint32, ep *signaling.PipeEndpoint,
	cfg config.Config, dir string, autoAccept bool) (*device, error) {

	records, err := callrecord.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open records for %s: %w", name, err)
	}

	d := &device{
		name:       name,
		party:      party,
		records:    records,
		states:     make(chan call.State, 32),
		autoAccept: autoAccept,
	}

	d.engine = pionengine.New(pionengine.Config{
		MaxOfferAgeSec: uint64(cfg.Calling.MaxOfferAgeSec),
	})
	d.coord = call.NewCoordinator(call.Options{
		Engine:         d.engine,
		Signaler:       identitySignaler{party: party, ep: ep},
		Records:        records,
		Directory:      openDirectory{},
		Delegate:       d,
		LocalDeviceID:  deviceID,
		ICEServers:     func() []string { return cfg.Calling.ICEServers },
		LowBandwidth:   cfg.Calling.LowBandwidth,
		ConnectTimeout: time.Duration(cfg.Calling.ConnectTimeoutSec) * time.Second,
		ScreenGrace:    time.Duration(cfg.Calling.ScreenGraceSec) * time.Second,
	})
	d.engine.SetObserver(d.coord)
	ep.OnMessage(d.coord.HandleInbound)
	return d, nil
}

func (d *device) close() {
	d.coord.Close()
	d.records.Flush()
	if err := d.records.Close(); err != nil {
		log.Warnw("close records", "device", d.name, "err", err)
	}
}

func (d *device) waitFor(want call.State, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case st := <-d.states:
			if st == want {
				return true
			}
			if st.IsTerminal() {
				return st == want
			}
		case <-deadline:
			return false
		}
	}
}

func main() {
	var (
		configPath = flag.String("config", "callsim.json", "config file path")
		dataDir    = flag.String("dir", "", "data directory (default: temp)")
		media      = flag.String("media", "audio", "media kind: audio or video")
		hold       = flag.Duration("hold", 3*time.Second, "how long to stay connected")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *verbose {
		logging.SetAllLoggers(logging.LevelDebug)
	} else {
		logging.SetAllLoggers(logging.LevelInfo)
	}

	if err := run(*configPath, *dataDir, *media, *hold); err != nil {
		log.Errorw("simulation failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath, dataDir, media string, hold time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if dataDir == "" {
		dataDir, err = os.MkdirTemp("", "callsim-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dataDir)
	}

	epA, epB := signaling.NewPipe()
	defer epA.Close()
	defer epB.Close()

	alice, err := newDevice("alice", "alice", 1, epA, cfg, filepath.Join(dataDir, "alice"), false)
	if err != nil {
		return err
	}
	defer alice.close()

	bob, err := newDevice("bob", "bob", 1, epB, cfg, filepath.Join(dataDir, "bob"), true)
	if err != nil {
		return err
	}
	defer bob.close()

	kind := call.MediaKindFromString(media)
	log.Infow("placing call", "from", "alice", "to", "bob", "kind", kind)

	sess, err := alice.coord.PlaceCall(bob.party, kind)
	if err != nil {
		return fmt.Errorf("place call: %w", err)
	}

	if !alice.waitFor(call.StateConnected, 30*time.Second) {
		return fmt.Errorf("caller never connected; final state %s", sess.State())
	}
	if !bob.waitFor(call.StateConnected, 30*time.Second) {
		return fmt.Errorf("callee never connected")
	}

	log.Infow("connected, holding", "for", hold)
	time.Sleep(hold)

	if err := alice.coord.HangUp(sess); err != nil {
		return fmt.Errorf("hang up: %w", err)
	}
	alice.waitFor(call.StateLocalHangup, 5*time.Second)
	bob.waitFor(call.StateRemoteHangup, 5*time.Second)

	alice.records.Flush()
	bob.records.Flush()

	if id, ok := sess.CallID(); ok {
		printRecord("alice", alice.records, id)
		printRecord("bob", bob.records, id)
	}
	printTransitions("alice", alice.coord.RecentTransitions())
	printTransitions("bob", bob.coord.RecentTransitions())
	return nil
}

func printRecord(name string, store *callrecord.Store, callID uint64) {
	rec, err := store.FetchByCallID(callID)
	if err != nil {
		log.Warnw("no record", "device", name, "call_id", callID, "err", err)
		return
	}
	fmt.Printf("%s record: call_id=%d type=%s status=%s\n",
		name, rec.CallID, rec.Type, callrecord.StatusOf(rec.Type))
}

func printTransitions(name string, ts []call.Transition) {
	fmt.Printf("%s transitions:\n", name)
	for _, t := range ts {
		fmt.Printf("  %s -> %s\n", t.From, t.To)
	}
}
