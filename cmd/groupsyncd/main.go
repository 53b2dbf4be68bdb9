// groupsyncd runs the groupsync reference server with a seeded demo
// group and poll.
package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/vladimirruppel/groupsync/internal/server"
)

func main() {
	addr := flag.String("addr", ":8088", "listen address")
	token := flag.String("token", "", "shared bearer token (empty disables auth)")
	seed := flag.Bool("seed", true, "seed a demo group and poll")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	opts := server.Options{}
	if *token != "" {
		hash, err := server.HashToken(*token)
		if err != nil {
			log.Fatal().Err(err).Msg("hash token")
		}
		opts.TokenHash = hash
	}

	srv := server.New(opts, log)
	if *seed {
		srv.CreateGroup("general", "General")
		pollID := srv.CreatePoll("general", "Where should we meet?", false,
			[]string{"Office", "Park", "Online"})
		log.Info().Str("poll_id", pollID).Msg("seeded demo poll in group 'general'")
	}

	log.Info().Str("addr", *addr).Msg("groupsyncd listening")
	if err := http.ListenAndServe(*addr, srv); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
