package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkusJohansen/faxing/internal/kafka"
)

var playerPrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
}

func playerName(idx int) string {
	return fmt.Sprintf("%s%d", playerPrefixes[idx%len(playerPrefixes)], idx/len(playerPrefixes)+1)
}

// Simulates a room of players: everyone joins, then after -delay each
// player reports a random completion time. The host still starts the game
// through the HTTP API; completions sent before that are rejected.
func main() {
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "faxing-submissions", "Kafka topic")
	code := flag.String("session", "", "Session code to play in (required)")
	players := flag.Int("players", 10, "Number of players to join")
	delay := flag.Duration("delay", 15*time.Second, "Wait between joining and completing")
	minMs := flag.Int("min-ms", 800, "Fastest simulated completion time")
	maxMs := flag.Int("max-ms", 6000, "Slowest simulated completion time")
	joinOnly := flag.Bool("join-only", false, "Only send join messages")
	flag.Parse()

	if *code == "" {
		fmt.Fprintln(os.Stderr, "-session is required")
		flag.Usage()
		os.Exit(2)
	}
	if *maxMs <= *minMs {
		log.Fatalf("-max-ms must be greater than -min-ms")
	}

	producer, err := kafka.NewProducer(strings.Split(*brokers, ","), *topic)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}
	defer producer.Close()

	fmt.Printf("Joining %d players to %s via %s\n", *players, *code, *topic)
	for i := 0; i < *players; i++ {
		if err := producer.Join(*code, playerName(i)); err != nil {
			log.Printf("join %s: %v", playerName(i), err)
		}
	}

	if *joinOnly {
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("Waiting %s before reporting completions (start the game now)\n", *delay)
	select {
	case <-sigChan:
		return
	case <-time.After(*delay):
	}

	sent, failed := 0, 0
	for _, i := range rand.Perm(*players) {
		elapsed := int64(*minMs + rand.Intn(*maxMs-*minMs))
		if err := producer.Complete(*code, playerName(i), elapsed); err != nil {
			failed++
			log.Printf("complete %s: %v", playerName(i), err)
			continue
		}
		sent++
	}
	fmt.Printf("Done. Sent: %d, Errors: %d\n", sent, failed)
}
