// Copyright 2024-2026 Aiku AI

// Command mautrix-discord is a Matrix-Discord bridge running as a Matrix
// application service. Discord users appear in Matrix as ghost accounts and
// Matrix users appear in Discord through a per-channel webhook.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/appservice"

	"github.com/aiku/mautrix-discord/pkg/connector"
	"github.com/aiku/mautrix-discord/pkg/database"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 30 * time.Second

type Options struct {
	ConfigPath           string `short:"c" long:"config" default:"config.yaml" description:"Path to the bridge config file"`
	RegistrationPath     string `short:"r" long:"registration" default:"registration.yaml" description:"Path to the appservice registration file"`
	GenerateRegistration bool   `short:"g" long:"generate-registration" description:"Write the registration file and exit"`
	Version              bool   `long:"version" description:"Print the version and exit"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if opts.Version {
		fmt.Printf("mautrix-discord %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(10)
	}

	if opts.GenerateRegistration {
		if err := generateRegistration(cfg, opts.RegistrationPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate registration: %v\n", err)
			os.Exit(11)
		}
		fmt.Println("Registration generated. Add the path to the registration to your homeserver config.")
		return
	}

	logger, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(12)
	}
	log := *logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, opts.RegistrationPath, log); err != nil {
		log.Fatal().Err(err).Msg("Bridge failed")
	}
}

func loadConfig(path string) (*connector.Config, error) {
	data, _, err := up.Do(path, true, connector.Upgrader())
	if err != nil {
		return nil, err
	}
	var cfg connector.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func run(ctx context.Context, cfg *connector.Config, registrationPath string, log zerolog.Logger) error {
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting mautrix-discord")

	dialect, err := database.ParseDialect(cfg.Database.Type)
	if err != nil {
		return err
	}
	db, err := database.Open(ctx, dialect, cfg.Database.URI, log)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Upgrade(ctx); err != nil {
		return err
	}

	reg, err := appservice.LoadRegistration(registrationPath)
	if err != nil {
		return fmt.Errorf("failed to load registration: %w", err)
	}
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration:     reg,
		HomeserverDomain: cfg.Homeserver.Domain,
		HomeserverURL:    cfg.Homeserver.Address,
		HostConfig: appservice.HostConfig{
			Hostname: cfg.AppService.Hostname,
			Port:     cfg.AppService.Port,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create appservice: %w", err)
	}
	as.Log = log.With().Str("component", "appservice").Logger()

	session, err := discordgo.New("Bot " + cfg.Discord.BotToken)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildPresences |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageTyping |
		discordgo.IntentsMessageContent

	dc := connector.NewDiscordConnector(cfg, db, connector.NewAppServiceAPI(as, cfg.Homeserver.Address), connector.NewSessionAPI(session), nil, log)
	dc.RegisterDiscordHandlers(session)
	dc.RegisterThirdPartyRoutes(as.Router, as.CheckServerToken)
	as.QueryHandler = dc

	go as.Start()
	defer as.Stop()
	if err := as.BotIntent().EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("failed to register bridge bot: %w", err)
	}

	if err := session.Open(); err != nil {
		return fmt.Errorf("failed to connect to discord: %w", err)
	}
	defer session.Close()
	log.Info().Str("bot_user_id", session.State.User.ID).Msg("Connected to Discord")

	if err := dc.Start(ctx); err != nil {
		return err
	}

	for {
		select {
		case evt := <-as.Events:
			dc.HandleMatrixEvent(ctx, evt)
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			dc.Stop(shutdownCtx)
			return nil
		}
	}
}

const generatedTokenPlaceholder = "This value is generated when generating the registration"

// generateRegistration writes the appservice registration. Tokens already
// present in the config are reused so that regenerating does not invalidate
// a running deployment.
func generateRegistration(cfg *connector.Config, path string) error {
	reg := appservice.CreateRegistration()
	reg.ID = cfg.AppService.ID
	reg.URL = cfg.AppService.Address
	reg.SenderLocalpart = cfg.AppService.BotUsername
	reg.EphemeralEvents = true
	reg.Protocols = []string{connector.ThirdPartyProtocol}
	rateLimited := false
	reg.RateLimited = &rateLimited
	if token := cfg.AppService.ASToken; token != "" && token != generatedTokenPlaceholder {
		reg.AppToken = token
	}
	if token := cfg.AppService.HSToken; token != "" && token != generatedTokenPlaceholder {
		reg.ServerToken = token
	}

	domain := regexp.QuoteMeta(cfg.Homeserver.Domain)
	reg.Namespaces.UserIDs.Register(regexp.MustCompile("@"+connector.GhostPrefix+".*:"+domain), true)
	reg.Namespaces.RoomAliases.Register(regexp.MustCompile("#"+connector.AliasPrefix+".*:"+domain), true)
	return reg.Save(path)
}
