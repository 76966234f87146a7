// Command talkie is a serverless group-call client: full-mesh WebRTC
// audio/video with screen sharing and persistent room chat, signaled over
// libp2p pubsub on the local network.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/talkie-p2p/talkie/internal/chat"
	"github.com/talkie-p2p/talkie/internal/config"
	"github.com/talkie-p2p/talkie/internal/media"
	"github.com/talkie-p2p/talkie/internal/mesh"
	"github.com/talkie-p2p/talkie/internal/room"
	sig "github.com/talkie-p2p/talkie/internal/signal"
	"github.com/talkie-p2p/talkie/internal/store"
	"github.com/talkie-p2p/talkie/internal/util"
)

var (
	dirFlag     = flag.String("dir", ".", "peer directory (config, identity key, database)")
	nameFlag    = flag.String("name", "", "display name (overrides config)")
	noVideoFlag = flag.Bool("no-video", false, "join without camera capture")
	versionFlag = flag.Bool("version", false, "show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("talkie v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "create":
		run("", strings.Join(args[1:], " "))
	case "join":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: join requires a room id")
			fmt.Fprintln(os.Stderr, "Usage: talkie join <room-id>")
			os.Exit(1)
		}
		run(args[1], "")
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`talkie - mesh group calls over libp2p

Usage:
  talkie [flags] create [name]     start a new room and wait for members
  talkie [flags] join <room-id>    join an existing room

Flags:
  -dir <path>    peer directory (default ".")
  -name <name>   display name
  -no-video      join without camera capture
  -version       show version

In-call commands:
  /mute    toggle microphone
  /video   toggle camera
  /screen  toggle screen share
  /who     list participants
  /quit    leave the room
  anything else is sent as a chat message`)
}

func run(roomID, roomName string) {
	dir, err := filepath.Abs(*dirFlag)
	if err != nil {
		log.Fatalf("invalid peer directory: %v", err)
	}
	cfgPath := filepath.Join(dir, "talkie.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if created {
		log.Printf("created default config at %s", cfgPath)
	}

	watcher, err := config.Watch(cfgPath, func(config.Config) {
		log.Printf("settings saved; they apply to the next room you join")
	})
	if err != nil {
		log.Printf("config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	st, err := store.Open(filepath.Join(dir, cfg.Identity.DataDir))
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	opener, err := media.NewDeviceOpener(media.CaptureOptions{
		MaxWidth:  cfg.Media.MaxWidth,
		MaxHeight: cfg.Media.MaxHeight,
	})
	if err != nil {
		log.Fatalf("media backend: %v", err)
	}
	mc := media.NewController(opener)
	defer mc.Close()

	api, err := media.NewAPI(opener)
	if err != nil {
		log.Fatalf("webrtc api: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, err := sig.NewPubSub(ctx, sig.Options{
		ListenPort: cfg.P2P.ListenPort,
		KeyFile:    filepath.Join(dir, cfg.Identity.KeyFile),
		MdnsTag:    cfg.P2P.MdnsTag,
	})
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	defer bus.Close()
	for _, a := range bus.Addrs() {
		log.Printf("listening on %s", a)
	}

	name := strings.TrimSpace(*nameFlag)
	if name == "" {
		name = strings.TrimSpace(cfg.Profile.DisplayName)
	}
	if name == "" {
		name = util.ShortID(bus.SelfID())
	}

	mgr := room.NewManager(bus, st, mc, api, iceServers(cfg.Media.ICEServers), name, cfg.Chat.HistoryLimit)

	wantVideo := cfg.Media.StartWithVideo && !*noVideoFlag

	var sess *room.Session
	if roomID == "" {
		sess, err = mgr.Create(ctx, roomName, wantVideo)
	} else {
		sess, err = mgr.Join(ctx, roomID, wantVideo)
	}
	if err != nil {
		log.Fatalf("room: %v", err)
	}
	defer sess.Leave()

	label := sess.RoomID()
	if sess.RoomName() != "" {
		label = fmt.Sprintf("%s (%s)", sess.RoomID(), sess.RoomName())
	}
	fmt.Printf("room %s · you are %q (%s)\n", label, name, util.ShortID(bus.SelfID()))
	fmt.Println("share the room id with others on this network; type /quit to leave")
	printHistory(sess.Chat())

	go printChat(sess)
	go printEvents(sess)

	console(ctx, sess, mc)
	sess.Leave()
	fmt.Printf("left %s after %s\n", sess.RoomID(), sess.Duration().Round(time.Second))
}

func iceServers(entries []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(entries))
	for _, e := range entries {
		s := webrtc.ICEServer{URLs: e.URLs}
		if e.Username != "" {
			s.Username = e.Username
			s.Credential = e.Credential
		}
		out = append(out, s)
	}
	return out
}

func printHistory(relay *chat.Relay) {
	msgs := relay.Messages()
	if len(msgs) == 0 {
		return
	}
	fmt.Printf("── last %d messages ──\n", len(msgs))
	for _, m := range msgs {
		fmt.Printf("[%s] %s\n", m.SenderName, m.Body)
	}
}

func printChat(sess *room.Session) {
	ch, cancel := sess.Chat().Listen()
	defer cancel()
	for m := range ch {
		if m.SenderID == sess.SelfID() {
			continue // already echoed at the prompt
		}
		fmt.Printf("[%s] %s\n", m.SenderName, m.Body)
	}
}

func printEvents(sess *room.Session) {
	for ev := range sess.Events() {
		name := ev.Name
		if name == "" {
			name = util.ShortID(ev.PeerID)
		}
		switch ev.Type {
		case mesh.EventPeerJoined:
			fmt.Printf("· %s is joining\n", name)
		case mesh.EventPeerConnected:
			fmt.Printf("· %s connected\n", name)
		case mesh.EventPeerLeft:
			fmt.Printf("· %s left\n", name)
		case mesh.EventPeerLost:
			fmt.Printf("· lost connection to %s\n", name)
		case mesh.EventScreenStatus:
			if ev.Sharing {
				fmt.Printf("· %s started sharing their screen\n", util.ShortID(ev.PeerID))
			} else {
				fmt.Printf("· %s stopped sharing their screen\n", util.ShortID(ev.PeerID))
			}
		}
	}
}

func console(ctx context.Context, sess *room.Session, mc *media.Controller) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(ctx, sess, mc, line) {
				return
			}
		}
	}
}

// handleLine processes one console line; returns false to leave the room.
func handleLine(ctx context.Context, sess *room.Session, mc *media.Controller, line string) bool {
	switch strings.TrimSpace(line) {
	case "":
		return true

	case "/quit":
		return false

	case "/mute":
		if mc.ToggleMute() {
			fmt.Println("· microphone muted")
		} else {
			fmt.Println("· microphone live")
		}

	case "/video":
		enabled, err := mc.ToggleVideo()
		switch {
		case err != nil:
			fmt.Printf("· %v\n", err)
		case enabled:
			fmt.Println("· camera on")
		default:
			fmt.Println("· camera off")
		}

	case "/screen":
		sharing, err := mc.ToggleScreenShare()
		switch {
		case err != nil:
			fmt.Printf("· screen share failed: %v\n", err)
		case sharing:
			fmt.Println("· sharing your screen")
		default:
			fmt.Println("· screen share stopped")
		}

	case "/who":
		for _, p := range sess.Participants() {
			marker := " "
			if p.Self {
				marker = "*"
			}
			extra := ""
			if p.Sharing {
				extra = " [screen]"
			}
			fmt.Printf("%s %s (%s) %s%s\n", marker, p.Name, util.ShortID(p.ID), p.State, extra)
		}

	default:
		if m, err := sess.Chat().Send(ctx, line); err != nil {
			fmt.Printf("· send failed: %v\n", err)
		} else {
			fmt.Printf("[%s] %s\n", m.SenderName, m.Body)
		}
	}
	return true
}
