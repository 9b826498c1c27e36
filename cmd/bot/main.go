// Command bot simulates an audience: synthetic users vote and stake on a
// gate over the HTTP API while one connection watches the lobby feed.
// Useful for soaking a dev server and for eyeballing bucket transitions.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"theatreos/internal/protocol"
)

func main() {
	var (
		base   = flag.String("base", "http://localhost:8080", "server base url")
		wsBase = flag.String("ws", "ws://localhost:8080", "server ws base url")
		gateID = flag.String("gate", "", "gate id to participate in")
		users  = flag.Int("users", 25, "synthetic user count")
		stakeP = flag.Float64("stake_prob", 0.3, "probability a user also stakes")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	if *gateID == "" {
		logger.Fatalf("missing -gate")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	go watchFeed(*wsBase, *gateID, logger)

	options, err := lobbyOptions(*base, *gateID)
	if err != nil {
		logger.Fatalf("lobby: %v", err)
	}
	logger.Printf("gate %s has %d options", *gateID, len(options))

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	rings := []string{"A", "B", "C", "C", "C"}
	for i := 0; i < *users; i++ {
		select {
		case <-stop:
			return
		default:
		}

		userID := "bot_" + uuid.NewString()[:8]
		opt := options[r.Intn(len(options))]

		vote := protocol.VoteRequest{
			UserID:         userID,
			OptionID:       opt,
			RingLevel:      rings[r.Intn(len(rings))],
			IdempotencyKey: uuid.NewString(),
		}
		if err := post(*base+"/v1/gates/"+*gateID+"/vote", vote); err != nil {
			logger.Printf("vote %s: %v", userID, err)
		}

		if r.Float64() < *stakeP {
			stake := protocol.StakeRequest{
				UserID:         userID,
				OptionID:       opt,
				Amount:         int64(1+r.Intn(20)) * 10000,
				IdempotencyKey: uuid.NewString(),
			}
			if err := post(*base+"/v1/gates/"+*gateID+"/stake", stake); err != nil {
				logger.Printf("stake %s: %v", userID, err)
			}
		}

		time.Sleep(time.Duration(50+r.Intn(200)) * time.Millisecond)
	}

	logger.Printf("done; watching feed until interrupt")
	<-stop
}

func lobbyOptions(base, gateID string) ([]string, error) {
	resp, err := http.Get(base + "/v1/gates/" + gateID + "/lobby")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lobby status %d", resp.StatusCode)
	}
	var v struct {
		Options []struct {
			OptionID string `json:"option_id"`
		} `json:"options"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	if len(v.Options) == 0 {
		return nil, fmt.Errorf("gate has no options")
	}
	out := make([]string, 0, len(v.Options))
	for _, o := range v.Options {
		out = append(out, o.OptionID)
	}
	return out, nil
}

func post(url string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e protocol.ErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("status %d code=%s %s", resp.StatusCode, e.Code, e.Message)
	}
	return nil
}

func watchFeed(wsBase, gateID string, logger *log.Logger) {
	conn, _, err := websocket.DefaultDialer.Dial(wsBase+"/v1/ws/gates/"+gateID, nil)
	if err != nil {
		logger.Printf("feed dial: %v", err)
		return
	}
	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var fm protocol.FeedMessage
		if err := json.Unmarshal(msg, &fm); err != nil {
			continue
		}
		logger.Printf("feed %s: %s", fm.Type, string(fm.Payload))
		if fm.Type == protocol.FeedTypeResolved {
			return
		}
	}
}
