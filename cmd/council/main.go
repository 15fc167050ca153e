package main

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jvenkit1/council-go/internal/council"
)

// connectGrace is how long a proposing member waits after startup for
// sessions to the rest of the council to form.
const connectGrace = 2 * time.Second

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: council <memberId> <port> [propose]")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 3 {
		usage()
	}
	memberID, err := strconv.Atoi(os.Args[1])
	if err != nil || memberID < 1 {
		usage()
	}
	port, err := strconv.Atoi(os.Args[2])
	if err != nil || port < 1 || port > 65535 {
		usage()
	}
	shouldPropose := len(os.Args) > 3 && strings.EqualFold(os.Args[3], "propose")

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.WithField("Member", memberID)

	cfg := council.LoadOrDefault("config.yaml")
	// The command line wins over the addressbook for our own endpoint.
	cfg.Members[memberID] = council.MemberAddress{Host: "localhost", Port: port}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	profile, ok := council.ProfileByName(cfg.ProfileName(memberID), rng)
	if !ok {
		log.WithField("Profile", cfg.ProfileName(memberID)).Warn("Unknown profile name, using NORMAL")
		profile = council.Normal(rng)
	}
	log.WithFields(logrus.Fields{
		"Profile": profile.Name,
		"Port":    port,
	}).Info("Starting council member")

	member := council.NewMember(memberID, cfg, profile, log)
	if err := member.Start(); err != nil {
		log.WithError(err).Error("Failed to start member")
		os.Exit(1)
	}

	if shouldPropose {
		time.Sleep(connectGrace)
		outcome, err := member.Propose(fmt.Sprintf("Value from Member %d", memberID))
		if err != nil {
			log.WithError(err).Warn("Proposal failed")
		} else {
			log.WithField("Outcome", outcome.String()).Info("Proposal finished")
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	member.Shutdown()
}
