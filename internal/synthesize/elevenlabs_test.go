package synthesize

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeElevenLabs echoes one audio chunk per non-empty text message and a
// final message when the input ends.
func fakeElevenLabs(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("xi-api-key"); got != "test-key" {
			t.Errorf("xi-api-key = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			var msg struct {
				Text string `json:"text"`
			}
			if _, data, err := conn.ReadMessage(); err != nil {
				return
			} else if err := json.Unmarshal(data, &msg); err != nil {
				return
			}
			switch {
			case strings.TrimSpace(msg.Text) != "":
				audio := base64.StdEncoding.EncodeToString([]byte(msg.Text))
				if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"audio":"`+audio+`"}`)); err != nil {
					return
				}
			case msg.Text == "":
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"isFinal":true}`))
				return
			}
		}
	}))
}

func TestElevenLabsStream(t *testing.T) {
	srv := fakeElevenLabs(t)
	defer srv.Close()

	p := NewElevenLabs("test-key", "voice-1", "ws"+strings.TrimPrefix(srv.URL, "http"))
	stream, err := p.NewStream(context.Background(), Config{ResponseID: "r_1", SampleRate: 16000})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer stream.Close()

	if err := stream.SendText("Good afternoon.", false); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := stream.SendText("", true); err != nil {
		t.Fatalf("SendText final: %v", err)
	}

	var got []Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-stream.Chunks():
			if !ok {
				if len(got) < 2 {
					t.Fatalf("chunks closed early: %v", got)
				}
				if stream.Err() != nil {
					t.Fatalf("stream err: %v", stream.Err())
				}
				if got[0].ResponseID != "r_1" || len(got[0].PCM) == 0 {
					t.Errorf("audio chunk = %+v", got[0])
				}
				last := got[len(got)-1]
				if !last.Final {
					t.Errorf("last chunk not final: %+v", last)
				}
				return
			}
			got = append(got, c)
		case <-timeout:
			t.Fatalf("timed out with chunks %v", got)
		}
	}
}

func TestElevenLabsStreamCloseCancels(t *testing.T) {
	srv := fakeElevenLabs(t)
	defer srv.Close()

	p := NewElevenLabs("test-key", "voice-1", "ws"+strings.TrimPrefix(srv.URL, "http"))
	stream, err := p.NewStream(context.Background(), Config{ResponseID: "r_2"})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-stream.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not terminate after Close")
	}
	if err := stream.SendText("late", false); err == nil {
		t.Error("SendText after Close should fail")
	}
}

func TestElevenLabsStreamCloseUnblocksFullBuffer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	audio := base64.StdEncoding.EncodeToString([]byte("pcm"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		for i := 0; i < 400; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"audio":"`+audio+`"}`)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	p := NewElevenLabs("test-key", "voice-1", "ws"+strings.TrimPrefix(srv.URL, "http"))
	stream, err := p.NewStream(context.Background(), Config{ResponseID: "r_3"})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}

	// Read nothing: the chunk buffer fills and the read loop blocks on the
	// send. Close must still terminate the stream.
	time.Sleep(200 * time.Millisecond)
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-stream.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed after Close")
	}
}
