package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/streak-league/internal/domain"
	"github.com/streak-league/internal/scoring"
)

var userPrefixes = []string{
	"reader", "runner", "writer", "walker", "coder", "painter", "lifter", "sleeper",
	"journaler", "meditator", "learner", "cook", "gardener", "swimmer", "cyclist", "climber",
}

func getUserID(idx int) string {
	prefixIdx := idx % len(userPrefixes)
	suffix := idx/len(userPrefixes) + 1
	return fmt.Sprintf("%s-%d", userPrefixes[prefixIdx], suffix)
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "page-activity", "Kafka topic")
	totalUsers := flag.Int("users", 500, "Number of distinct users to simulate")
	eventsPerSecond := flag.Int("rate", 50, "Events per second")
	maxMinutes := flag.Float64("max-minutes", 15, "Upper bound of minutes per event")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	if *totalUsers <= 0 || *eventsPerSecond <= 0 {
		log.Fatalf("users and rate must be positive")
	}

	brokerList := strings.Split(*brokers, ",")

	rates := scoring.DefaultRates()
	surfaces := make([]string, 0, len(rates))
	for surface := range rates {
		surfaces = append(surfaces, surface)
	}
	sort.Strings(surfaces)

	fmt.Println("----------------------------------------------------------------")
	fmt.Println("  Page Activity Producer")
	fmt.Println("----------------------------------------------------------------")
	fmt.Printf("  Brokers:     %s\n", *brokers)
	fmt.Printf("  Topic:       %s\n", *topic)
	fmt.Printf("  Users:       %d\n", *totalUsers)
	fmt.Printf("  Events/sec:  %d\n", *eventsPerSecond)
	fmt.Printf("  Surfaces:    %s\n", strings.Join(surfaces, ", "))
	fmt.Println("----------------------------------------------------------------")
	fmt.Println()

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	shutdown := func(reason string) {
		fmt.Printf("\n%s, shutting down...\n", reason)
		close(done)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	sendEvent := func(ev domain.ActivityEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("Failed to marshal event: %v", err)
			return
		}

		msg := &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(ev.UserID),
			Value: sarama.ByteEncoder(data),
			Headers: []sarama.RecordHeader{
				{Key: []byte("event_id"), Value: []byte(uuid.NewString())},
			},
		}

		select {
		case producer.Input() <- msg:
		case <-done:
		}
	}

	ticker := time.NewTicker(time.Second / time.Duration(*eventsPerSecond))
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	var eventCount int64

	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	for {
		select {
		case <-sigChan:
			shutdown("Interrupted")
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				shutdown("Duration reached")
				return
			}

			// A small group of regulars produces most of the traffic
			var userIdx int
			if *totalUsers > 20 && rand.Intn(100) < 60 {
				userIdx = rand.Intn(20)
			} else {
				userIdx = rand.Intn(*totalUsers)
			}

			sendEvent(domain.ActivityEvent{
				UserID:    getUserID(userIdx),
				Surface:   surfaces[rand.Intn(len(surfaces))],
				Minutes:   float64(int(rand.Float64()*(*maxMinutes)*10)) / 10,
				Timestamp: time.Now().UTC(),
			})
			atomic.AddInt64(&eventCount, 1)

		case <-statsTicker.C:
			fmt.Printf("[%s] Events: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&eventCount),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
