// Command snapshotdump connects to a running aggregator's WebSocket server,
// sends one trigger and prints the snapshot it gets back. With -cover it sends
// the cover message instead, followed by a trigger showing the result.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type sensor struct {
	Sensor   string   `json:"sensor"`
	Value    any      `json:"value"`
	ValueRaw *float64 `json:"valueRaw,omitempty"`
}

func main() {
	addr := flag.String("addr", "127.0.0.1:30001", "Aggregator WebSocket address (host:port)")
	cover := flag.String("cover", "", "Set this image URL as the cover for the current game before reading")
	raw := flag.Bool("raw", false, "Print the snapshot exactly as received")
	timeout := flag.Duration("timeout", 3*time.Second, "Dial and read timeout")
	flag.Parse()

	log.SetFlags(0)
	u := url.URL{Scheme: "ws", Host: *addr, Path: "/"}
	dialer := websocket.Dialer{HandshakeTimeout: *timeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial %s: %v", u.String(), err)
	}
	defer conn.Close()

	if *cover != "" {
		msg, err := json.Marshal(map[string]any{
			"action": "cover",
			"data":   map[string]string{"src": *cover},
		})
		if err != nil {
			log.Fatalf("encode cover: %v", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Fatalf("send cover: %v", err)
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{}")); err != nil {
		log.Fatalf("send trigger: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(*timeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		log.Fatalf("read snapshot: %v", err)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	if *raw {
		os.Stdout.Write(payload)
		fmt.Println()
		return
	}
	if err := printSnapshot(payload); err != nil {
		log.Fatalf("decode snapshot: %v", err)
	}
}

func printSnapshot(payload []byte) error {
	var doc struct {
		Sensors map[string]sensor `json:"sensors"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return err
	}
	keys := make([]string, 0, len(doc.Sensors))
	for key := range doc.Sensors {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var out bytes.Buffer
	for _, key := range keys {
		s := doc.Sensors[key]
		fmt.Fprintf(&out, "%-28s %v", key, s.Value)
		if s.ValueRaw != nil {
			fmt.Fprintf(&out, " (%.1f)", *s.ValueRaw)
		}
		out.WriteByte('\n')
	}
	_, err := os.Stdout.Write(out.Bytes())
	return err
}
