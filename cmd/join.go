package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eschnou/sunorooms/cache"
	"github.com/eschnou/sunorooms/core/audio"
	"github.com/eschnou/sunorooms/core/channel"
	"github.com/eschnou/sunorooms/core/identity"
	"github.com/eschnou/sunorooms/core/playlist"
	"github.com/eschnou/sunorooms/core/session"
	"github.com/eschnou/sunorooms/core/upload"
	"github.com/eschnou/sunorooms/logger"
	"github.com/eschnou/sunorooms/model"
	"github.com/eschnou/sunorooms/storage"
)

var (
	joinAsDJ    bool
	joinWatch   string
	joinBackend string
)

var joinCmd = &cobra.Command{
	Use:   "join <room-url>",
	Short: "Join a room as DJ or spectator",
	Long: `Join a room by link or slug. A link ending in ?dj=true, or --dj, joins
as DJ. The DJ types commands on stdin; spectators just follow along.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		slug, isDJ, err := session.ParseRoomURL(args[0])
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runJoin(ctx, slug, isDJ || joinAsDJ)
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().BoolVar(&joinAsDJ, "dj", false, "join as DJ")
	joinCmd.Flags().StringVarP(&joinWatch, "watch", "w", "", "DJ only: upload every .mp3 dropped into this directory")
	joinCmd.Flags().StringVarP(&joinBackend, "backend", "b", "", "channel backend, ws or redis (default CHANNEL_BACKEND)")

	joinCmd.Example = `  # start a room as DJ and upload from ~/Music/drop
  sunorooms join http://localhost:8080/room/quiet-otter-42?dj=true -w ~/Music/drop

  # listen in
  sunorooms join quiet-otter-42`
}

func runJoin(ctx context.Context, slug string, isDJ bool) error {
	ids, err := identity.Open(cfg.IdentityDB)
	if err != nil {
		return err
	}
	defer ids.Close()

	userID, err := ids.GetOrCreateUserID(ctx)
	if err != nil {
		return err
	}
	nickname, err := ids.GetOrCreateNickname(ctx)
	if err != nil {
		return err
	}

	conn, closeBackend, err := openChannel(slug, userID)
	if err != nil {
		return err
	}
	defer closeBackend()

	opts := session.Options{
		RoomID:         slug,
		Identity:       session.Identity{UserID: userID, Nickname: nickname},
		IsDJ:           isDJ,
		Conn:           conn,
		MaxUploadBytes: cfg.MaxUploadBytes,
		PositionTick:   cfg.PositionTick,
	}
	opts.Playlist = playlist.NewStore()
	opts.NewPlayer = audio.Factory(audio.Options{Cache: opts.Playlist})

	if isDJ {
		store, err := storage.New(ctx, cfg)
		if err != nil {
			logger.Warn("Object storage unavailable, uploads will fail", logger.ErrorField(err))
			fmt.Printf("! object storage unavailable: %v\n", err)
		} else {
			opts.Store = store
		}
	}

	sess, err := session.New(opts)
	if err != nil {
		return err
	}

	joinCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = sess.Join(joinCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("join %s: %w", slug, err)
	}
	defer sess.Leave()

	role := "spectator"
	if isDJ {
		role = "DJ"
	}
	fmt.Printf("Joined %s as %s (%s)\n", slug, nickname, role)
	if isDJ {
		fmt.Printf("Share: %s\n", session.RoomLink(webBase(cfg.RelayURL), slug, false))
		fmt.Println("Commands: play [id], pause, resume, seek <m:ss>, skip, stop, list, who, remove <id>, upload <file>, quit")
	}

	go printNotices(ctx, sess)
	go printStatus(ctx, sess)

	if isDJ && joinWatch != "" {
		w, err := upload.NewWatcher(upload.Options{Dir: joinWatch, Existing: true}, func(ctx context.Context, path string) error {
			return uploadFile(ctx, sess, path)
		})
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Watch folder stopped", logger.ErrorField(err))
			}
		}()
		fmt.Printf("Watching %s for new .mp3 files\n", joinWatch)
	}

	return readCommands(ctx, sess)
}

// openChannel connects to the room over the configured backend. The
// returned func releases backend resources after the session has left.
func openChannel(slug, userID string) (channel.Conn, func(), error) {
	backend := joinBackend
	if backend == "" {
		backend = cfg.ChannelBackend
	}

	switch backend {
	case "", "ws":
		return channel.NewWebSocketConn(cfg.RelayURL, slug, userID), func() {}, nil
	case "redis":
		if err := cache.ConnectRedis(cfg); err != nil {
			return nil, nil, err
		}
		conn := channel.NewRedisConn(cache.RedisClient, slug, userID, cfg.PresenceTTL)
		return conn, func() {
			if err := cache.CloseRedis(); err != nil {
				logger.Warn("Failed to close Redis", logger.ErrorField(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown channel backend %q", backend)
	}
}

func webBase(relayURL string) string {
	switch {
	case strings.HasPrefix(relayURL, "wss://"):
		return "https://" + strings.TrimPrefix(relayURL, "wss://")
	case strings.HasPrefix(relayURL, "ws://"):
		return "http://" + strings.TrimPrefix(relayURL, "ws://")
	}
	return relayURL
}

func uploadFile(ctx context.Context, sess *session.Session, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	t, err := sess.UploadTrack(ctx, filepath.Base(path), http.DetectContentType(data), data)
	if err != nil {
		return err
	}
	fmt.Printf("+ %s  %s  %s  %s\n", t.ID, t.Name, audio.FormatTime(t.DurationSeconds), audio.FormatFileSize(t.SizeBytes))
	return nil
}

func readCommands(ctx context.Context, sess *session.Session) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed: keep following until interrupted
				<-ctx.Done()
				return nil
			}
			quit, err := runCommand(ctx, sess, strings.Fields(line))
			if err != nil {
				fmt.Printf("! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func runCommand(ctx context.Context, sess *session.Session, args []string) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}

	switch args[0] {
	case "quit", "exit":
		return true, nil
	case "list":
		printPlaylist(sess)
		return false, nil
	case "who":
		printParticipants(sess.Participants())
		return false, nil
	case "remove":
		if len(args) < 2 {
			return false, errors.New("usage: remove <id>")
		}
		if !sess.RemoveTrack(args[1]) {
			return false, fmt.Errorf("no track %s", args[1])
		}
		return false, nil
	case "play", "resume":
		if len(args) > 1 {
			return false, sess.PlayTrack(ctx, args[1])
		}
		return false, sess.Play(ctx)
	case "pause":
		return false, sess.Pause(ctx)
	case "seek":
		if len(args) < 2 {
			return false, errors.New("usage: seek <m:ss|seconds>")
		}
		position, err := parsePosition(args[1])
		if err != nil {
			return false, err
		}
		return false, sess.Seek(ctx, position)
	case "stop":
		return false, sess.Stop(ctx)
	case "skip":
		ok, err := sess.Skip(ctx)
		if err == nil && !ok {
			fmt.Println("No next track.")
		}
		return false, err
	case "upload":
		if len(args) < 2 {
			return false, errors.New("usage: upload <file>")
		}
		return false, uploadFile(ctx, sess, strings.Join(args[1:], " "))
	default:
		return false, fmt.Errorf("unknown command %q", args[0])
	}
}

// parsePosition accepts "m:ss" or plain seconds.
func parsePosition(arg string) (float64, error) {
	if m, sec, ok := strings.Cut(arg, ":"); ok {
		minutes, err := strconv.Atoi(m)
		if err != nil {
			return 0, fmt.Errorf("bad position %q", arg)
		}
		seconds, err := strconv.ParseFloat(sec, 64)
		if err != nil {
			return 0, fmt.Errorf("bad position %q", arg)
		}
		return float64(minutes*60) + seconds, nil
	}
	seconds, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, fmt.Errorf("bad position %q", arg)
	}
	return seconds, nil
}

func printNotices(ctx context.Context, sess *session.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-sess.Notices():
			fmt.Printf("! %v\n", n)
		}
	}
}

// printStatus reports participant and now-playing changes once a second.
func printStatus(ctx context.Context, sess *session.Session) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastPeople []model.Participant
	var lastTrack string
	var lastPlaying bool

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		people := sess.Participants()
		if !samePeople(lastPeople, people) {
			lastPeople = people
			printParticipants(people)
		}

		view := sess.View()
		if view.CurrentTrackID == lastTrack && view.IsPlaying == lastPlaying {
			continue
		}
		lastTrack, lastPlaying = view.CurrentTrackID, view.IsPlaying

		name := view.CurrentTrackID
		if t, ok := sess.CurrentTrack(); ok {
			name = t.Name
		}
		switch {
		case name == "":
			fmt.Println("~ stopped")
		case view.IsPlaying:
			fmt.Printf("> %s  %s / %s\n", name, audio.FormatTime(view.CurrentTime), audio.FormatTime(view.Duration))
		default:
			fmt.Printf("|| %s  %s / %s\n", name, audio.FormatTime(view.CurrentTime), audio.FormatTime(view.Duration))
		}
	}
}

func samePeople(a, b []model.Participant) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].UserID != b[i].UserID || a[i].IsDJ != b[i].IsDJ {
			return false
		}
	}
	return true
}

func printParticipants(people []model.Participant) {
	names := make([]string, 0, len(people))
	for _, p := range people {
		name := p.Nickname
		if p.IsDJ {
			name += " (DJ)"
		}
		names = append(names, name)
	}
	fmt.Printf("* %d listening: %s\n", len(people), strings.Join(names, ", "))
}

func printPlaylist(sess *session.Session) {
	tracks := sess.Playlist()
	if len(tracks) == 0 {
		fmt.Println("Playlist is empty.")
		return
	}
	current := sess.View().CurrentTrackID
	for i, t := range tracks {
		marker := " "
		if t.ID == current {
			marker = ">"
		}
		fmt.Printf("%s %2d. %s  %s  %s  [%s]  %s\n", marker, i+1, t.Name,
			audio.FormatTime(t.DurationSeconds), audio.FormatFileSize(t.SizeBytes), t.Status, t.ID)
	}
}
