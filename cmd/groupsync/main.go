// groupsync is a terminal client for the groupsync server. It keeps the
// real-time session alive, prints incoming events, and turns slash
// commands into operations:
//
//	/join <group>            subscribe and load history
//	/leave <group>           unsubscribe
//	/groups                  list groups
//	/presence <group>        show who is online
//	/vote <poll> <option>    toggle a poll option
//	/poll <poll>             show poll results
//	/quit                    exit
//
// Any other input is sent as a message to the most recently joined group.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vladimirruppel/groupsync/internal/client"
	"github.com/vladimirruppel/groupsync/internal/config"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	if cfg.UserID != "" {
		cfg.Endpoint = withIdentity(cfg.Endpoint, cfg.UserID, cfg.DisplayName)
	}

	c := client.New(cfg, log)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}
	defer c.Disconnect()
	fmt.Println("connected to", cfg.Endpoint)

	go printEvents(c)

	currentGroup := ""
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

		if !strings.HasPrefix(line, "/") {
			if currentGroup == "" {
				fmt.Println("join a group first: /join <group>")
				continue
			}
			if err := c.Manager.SendMessage(ctx, currentGroup, line); err != nil {
				fmt.Println("send failed:", err)
			}
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit":
			return
		case "/join":
			if len(fields) < 2 {
				fmt.Println("usage: /join <group>")
				continue
			}
			if err := c.JoinGroup(ctx, fields[1], 50); err != nil {
				fmt.Println("join failed:", err)
				continue
			}
			currentGroup = fields[1]
			for _, m := range c.Store.Conversation(currentGroup) {
				printMessage(m.SenderName, m.Text, m.System)
			}
		case "/leave":
			if len(fields) < 2 {
				fmt.Println("usage: /leave <group>")
				continue
			}
			if err := c.LeaveGroup(ctx, fields[1]); err != nil {
				fmt.Println("leave failed:", err)
			}
			if currentGroup == fields[1] {
				currentGroup = ""
			}
		case "/groups":
			groups, err := c.History.Groups(ctx)
			if err != nil {
				fmt.Println("groups failed:", err)
				continue
			}
			for _, g := range groups {
				fmt.Printf("  %s (%s), %d members\n", g.ID, g.Name, len(g.Members))
			}
		case "/presence":
			if len(fields) < 2 {
				fmt.Println("usage: /presence <group>")
				continue
			}
			p, err := c.Manager.RequestPresence(ctx, fields[1])
			if err != nil {
				fmt.Println("presence failed:", err)
				continue
			}
			fmt.Println("  online:", strings.Join(p.Online, ", "))
		case "/vote":
			if len(fields) < 3 {
				fmt.Println("usage: /vote <poll> <option>")
				continue
			}
			pollID, optionID := fields[1], fields[2]
			if st := c.Store.Poll(pollID); st.Results == nil {
				if err := c.Votes.Load(ctx, pollID, cfg.UserID); err != nil {
					fmt.Println("load poll failed:", err)
					continue
				}
			}
			if err := c.Votes.ToggleOption(ctx, pollID, optionID); err != nil {
				st := c.Store.Poll(pollID)
				fmt.Println("vote failed:", st.Err)
				continue
			}
			printPoll(c.Store.Poll(pollID))
		case "/poll":
			if len(fields) < 2 {
				fmt.Println("usage: /poll <poll>")
				continue
			}
			if err := c.Votes.Load(ctx, fields[1], cfg.UserID); err != nil {
				fmt.Println("load poll failed:", err)
				continue
			}
			printPoll(c.Store.Poll(fields[1]))
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

// printEvents renders pushes and connection transitions as they arrive.
func printEvents(c *client.Client) {
	states := c.Manager.Subscribe()
	for {
		select {
		case m := <-c.Router.Messages():
			printMessage(m.SenderName, m.Text, false)
		case m := <-c.Router.SystemMessages():
			printMessage("", m.Text, true)
		case t := <-c.Router.Typing():
			fmt.Printf("\r* %s is typing in %s\n> ", t.UserID, t.GroupID)
		case res := <-c.Router.PollVotes():
			fmt.Printf("\r* poll %q updated\n> ", res.Question)
		case st := <-states:
			if st.Err != "" {
				fmt.Printf("\r* connection: %s (%s)\n> ", st.State, st.Err)
			} else {
				fmt.Printf("\r* connection: %s\n> ", st.State)
			}
		}
	}
}

func printMessage(sender, text string, system bool) {
	if system {
		fmt.Printf("\r-- %s --\n> ", text)
		return
	}
	fmt.Printf("\r[%s] %s\n> ", sender, text)
}

func printPoll(st client.PollState) {
	if st.Results == nil {
		return
	}
	fmt.Println(st.Results.Question)
	for _, opt := range st.Results.Options {
		mark := " "
		for _, id := range st.VotedOptionIDs {
			if id == opt.ID {
				mark = "x"
			}
		}
		fmt.Printf("  [%s] %s: %d (%.0f%%)\n", mark, opt.Text, opt.VoteCount, opt.Percentage)
	}
}

// withIdentity appends the user and display-name query parameters the
// reference server reads.
func withIdentity(endpoint, userID, name string) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	out := endpoint + sep + "user=" + userID
	if name != "" {
		out += "&name=" + name
	}
	return out
}
