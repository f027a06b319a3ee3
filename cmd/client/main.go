package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/parleyhq/parley/internal/adapters/media"
	"github.com/parleyhq/parley/internal/adapters/signal"
	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/core"
	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/voice"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	serverURL := pflag.String("server", cfg.ServerURL, "server base URL")
	username := pflag.String("name", cfg.Username, "display name")
	roomID := pflag.String("room", cfg.Room, "voice channel id to join")
	debug := pflag.Bool("debug", false, "verbose logging")
	pflag.Parse()

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if *username == "" || *roomID == "" {
		fmt.Fprintln(os.Stderr, "usage: client --name <display name> --room <channel id> [--server <url>]")
		os.Exit(2)
	}

	client, err := api.NewClient(*serverURL)
	if err != nil {
		log.Fatal().Err(err).Msg("api client")
	}
	user, err := client.Register(*username)
	if err != nil {
		log.Fatal().Err(err).Msg("register")
	}
	log.Info().Str("user", string(user.ID)).Str("name", user.DisplayName).Msg("registered")

	sink := media.NewDrainSink(log.Logger)
	coord := voice.NewCoordinator(voice.Config{
		Transport:  signal.New(*serverURL, client.Jar(), log.Logger),
		Identity:   client,
		OpenMedia:  func() (core.MediaSource, error) { return media.Open(log.Logger) },
		Sink:       sink,
		ICEServers: cfg.ICEServers,
		Log:        log.Logger,
	})

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := coord.Join(ctx, domain.RoomID(*roomID)); err != nil {
		log.Fatal().Err(err).Str("room", *roomID).Msg("join")
	}

	go func() {
		for ev := range coord.Events() {
			switch e := ev.(type) {
			case voice.Roster:
				printRoster(e.Participants)
			case voice.ConnectionLost:
				log.Error().Err(e.Err).Msg("connection to room lost")
				cancel()
			}
		}
	}()

	go readCommands(coord, cancel)

	<-ctx.Done()
	coord.Leave()
	log.Info().Msg("left room, bye")
}

func printRoster(participants []domain.Participant) {
	var b strings.Builder
	for i, p := range participants {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.DisplayName)
		if p.Muted {
			b.WriteString(" [muted]")
		} else if p.Speaking {
			b.WriteString(" [speaking]")
		}
	}
	fmt.Printf("in room: %s\n", b.String())
}

// readCommands is the tiny interactive surface: m toggles mute, q quits.
func readCommands(coord *voice.Coordinator, quit context.CancelFunc) {
	muted := false
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		switch strings.TrimSpace(sc.Text()) {
		case "m":
			muted = !muted
			coord.SetMuted(muted)
			fmt.Printf("muted: %v\n", muted)
		case "q":
			quit()
			return
		}
	}
}
