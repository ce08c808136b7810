package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/valiyev-777/Speaking/internal/client"
	"github.com/valiyev-777/Speaking/internal/client/api"
	"github.com/valiyev-777/Speaking/internal/client/state"
	"github.com/valiyev-777/Speaking/internal/config"
	"github.com/valiyev-777/Speaking/internal/domain"
)

func main() {
	email := flag.String("email", "", "account email")
	password := flag.String("password", "", "account password")
	register := flag.Bool("register", false, "create the account first")
	username := flag.String("username", "", "username for registration")
	level := flag.Float64("level", 6.0, "speaking level for registration")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: client -email you@example.com -password secret [-register -username you]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	apiClient := api.NewClient(cfg.APIURL)

	var auth *api.AuthResponse
	if *register {
		auth, err = apiClient.Register(ctx, api.RegisterRequest{
			Email:        *email,
			Password:     *password,
			Username:     *username,
			CurrentLevel: *level,
		})
	} else {
		auth, err = apiClient.Login(ctx, *email, *password)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "auth failed:", err)
		os.Exit(1)
	}
	apiClient.SetToken(auth.AccessToken)
	fmt.Printf("signed in as %s (level %.1f)\n", auth.User.Username, auth.User.Level)

	c := client.New(cfg)
	defer c.Close()

	c.Store.Subscribe(printTransitions())

	if err := c.Connect(auth.User.ID, auth.AccessToken); err != nil {
		fmt.Fprintln(os.Stderr, "connect failed:", err)
		os.Exit(1)
	}

	runPrompt(c)
}

// printTransitions reports only the changes worth a line on the
// terminal, not every snapshot.
func printTransitions() func(state.Snapshot) {
	var last state.Snapshot
	return func(sn state.Snapshot) {
		if sn.Connected != last.Connected {
			if sn.Connected {
				fmt.Println("* signaling connected")
			} else {
				fmt.Println("* signaling lost, reconnecting")
			}
		}
		if sn.Phase != last.Phase {
			switch sn.Phase {
			case state.PhaseQueued:
				fmt.Println("* waiting for a partner")
			case state.PhaseInSession:
				if sn.Session != nil {
					fmt.Printf("* matched with %s (level %.1f)\n", sn.Session.PartnerUsername, sn.Session.PartnerLevel)
				}
			case state.PhaseIdle:
				fmt.Println("* idle")
			}
		}
		if sn.PeerStatus != last.PeerStatus {
			fmt.Println("* audio:", sn.PeerStatus)
		}
		if len(sn.Chat) > len(last.Chat) {
			for _, m := range sn.Chat[len(last.Chat):] {
				if m.Sender == domain.ChatSenderPartner {
					fmt.Printf("<%s> %s\n", partnerName(sn), m.Text)
				}
			}
		}
		if sn.Notice != "" && sn.Notice != last.Notice {
			fmt.Println("*", sn.Notice)
		}
		last = sn
	}
}

func partnerName(sn state.Snapshot) string {
	if sn.Session != nil {
		return sn.Session.PartnerUsername
	}
	return "partner"
}

func runPrompt(c *client.Client) {
	fmt.Println("commands: join [roulette|level <n>], leave, say <text>, mute, end, invite <user_id>, accept <user_id>, reject <user_id>, quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		var err error
		switch fields[0] {
		case "join":
			err = handleJoin(c, fields[1:])
		case "leave":
			err = c.Coordinator.LeaveQueue()
		case "say":
			err = handleSay(c, strings.TrimSpace(strings.TrimPrefix(line, "say")))
		case "mute":
			enabled := c.Controller.ToggleMic()
			if enabled {
				fmt.Println("* mic on")
			} else {
				fmt.Println("* mic off")
			}
		case "end":
			err = c.Coordinator.EndSession()
		case "invite":
			if len(fields) < 2 {
				err = fmt.Errorf("usage: invite <user_id>")
			} else {
				err = c.Coordinator.InvitePartner(domain.UserID(fields[1]))
			}
		case "accept", "reject":
			if len(fields) < 2 {
				err = fmt.Errorf("usage: %s <user_id>", fields[0])
			} else {
				err = c.Coordinator.RespondInvite(domain.UserID(fields[1]), fields[0] == "accept")
			}
		case "quit", "exit":
			return
		default:
			err = fmt.Errorf("unknown command %q", fields[0])
		}
		if err != nil {
			fmt.Println("!", err)
		}
	}
}

func handleJoin(c *client.Client, args []string) error {
	mode := domain.ModeRoulette
	var filter *float64
	if len(args) > 0 && args[0] == "level" {
		mode = domain.ModeLevelFilter
		if len(args) > 1 {
			lvl, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("bad level %q", args[1])
			}
			filter = &lvl
		}
	}
	return c.Coordinator.JoinQueue(mode, filter)
}

func handleSay(c *client.Client, text string) error {
	if text == "" {
		return fmt.Errorf("usage: say <text>")
	}
	sess := c.Coordinator.Session()
	if sess == nil {
		return fmt.Errorf("no active session")
	}
	return c.Chat.Send(sess.PartnerID, text)
}
