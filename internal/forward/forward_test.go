package forward

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loopcap/agent/internal/audiotap"
	"github.com/loopcap/agent/pkg/api"
)

func TestSampleFormatFor(t *testing.T) {
	cases := []struct {
		enc  audiotap.SampleEncoding
		want api.SampleFormat
	}{
		{audiotap.EncodingFloat32LE, api.SampleFormatFloat32LE},
		{audiotap.EncodingInt16LE, api.SampleFormatInt16LE},
		{audiotap.EncodingUnknown, api.SampleFormatUnknown},
	}
	for _, tc := range cases {
		if got := SampleFormatFor(tc.enc); got != tc.want {
			t.Errorf("SampleFormatFor(%v) = %v, want %v", tc.enc, got, tc.want)
		}
	}
}

func TestBuildWSURL(t *testing.T) {
	f := New(Config{URL: "wss://collector.example.com/ingest", AuthToken: "sekrit"})
	got, err := f.buildWSURL()
	if err != nil {
		t.Fatalf("buildWSURL: %v", err)
	}
	if !strings.Contains(got, "token=sekrit") {
		t.Errorf("url %q missing token query", got)
	}
	if !strings.HasPrefix(got, "wss://collector.example.com/ingest") {
		t.Errorf("url %q lost the endpoint", got)
	}

	f = New(Config{URL: "http://collector.example.com"})
	if _, err := f.buildWSURL(); err == nil {
		t.Fatal("http scheme accepted, want error")
	}
}

func TestForwarder_DropsWhenQueueFull(t *testing.T) {
	// Never started, so nothing drains the queue.
	f := New(Config{URL: "ws://127.0.0.1:1", QueueSize: 2, Format: api.SampleFormatFloat32LE})

	for i := 0; i < 5; i++ {
		f.OnAudioBuffer(make([]byte, 128), 2, 48000)
	}

	stats := f.Stats()
	if stats.Queued != 2 {
		t.Errorf("queued = %d, want 2", stats.Queued)
	}
	if stats.FramesDropped != 3 {
		t.Errorf("dropped = %d, want 3", stats.FramesDropped)
	}
	if stats.FramesSent != 0 {
		t.Errorf("sent = %d, want 0", stats.FramesSent)
	}
}

func TestForwarder_HelloThenSequencedFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	helloCh := make(chan api.StreamHello, 1)
	frameCh := make(chan []byte, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "tok" {
			t.Errorf("token query = %q, want tok", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			t.Errorf("first message type = %d, want text", mt)
		}
		var hello api.StreamHello
		if err := json.Unmarshal(msg, &hello); err != nil {
			t.Errorf("hello did not parse: %v", err)
			return
		}
		helloCh <- hello

		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				frameCh <- append([]byte(nil), msg...)
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	f := New(Config{
		URL:       wsURL,
		AuthToken: "tok",
		QueueSize: 8,
		Hello:     api.StreamHello{Hostname: "unit-host", Channels: 2, SampleRate: 48000},
		Format:    api.SampleFormatFloat32LE,
	})
	go f.Start()
	defer f.Stop()

	select {
	case hello := <-helloCh:
		if hello.Hostname != "unit-host" || hello.Channels != 2 {
			t.Fatalf("hello = %+v, want unit-host/2ch", hello)
		}
		if hello.SampleFormat != "f32le" {
			t.Fatalf("hello format = %q, want f32le", hello.SampleFormat)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no hello received")
	}

	payload := bytes.Repeat([]byte{0xAB}, 256)
	f.OnAudioBuffer(payload, 2, 48000)
	f.OnAudioBuffer(payload, 2, 48000)

	for want := uint32(0); want < 2; want++ {
		select {
		case frame := <-frameCh:
			header, body, err := api.ParseFrameHeader(frame)
			if err != nil {
				t.Fatalf("frame %d: %v", want, err)
			}
			if header.Seq != want {
				t.Fatalf("frame seq = %d, want %d", header.Seq, want)
			}
			if header.Channels != 2 || header.SampleFormat != api.SampleFormatFloat32LE {
				t.Fatalf("frame header = %+v, want 2ch f32le", header)
			}
			if header.TimestampMicro == 0 {
				t.Fatal("frame carries no timestamp")
			}
			if !bytes.Equal(body, payload) {
				t.Fatalf("frame payload differs: %d bytes vs %d", len(body), len(payload))
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d never arrived", want)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if f.Stats().FramesSent >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stats report %d sent, want 2", f.Stats().FramesSent)
		}
		time.Sleep(10 * time.Millisecond)
	}

	wantBytes := uint64(2 * (api.FrameHeaderSize + len(payload)))
	if got := f.Stats().BytesSent; got < wantBytes {
		t.Fatalf("stats report %d bytes sent, want at least %d", got, wantBytes)
	}
}

func TestForwarder_AnswersBroadcastOffer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	answerCh := make(chan struct {
		Type  string `json:"type"`
		SDP   string `json:"sdp"`
		Error string `json:"error"`
	}, 2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Hello first, then relay two offers.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		for _, offer := range []string{"v=0 good", "v=0 bad"} {
			msg, _ := json.Marshal(map[string]string{"type": "broadcast_offer", "sdp": offer})
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}

		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			var reply struct {
				Type  string `json:"type"`
				SDP   string `json:"sdp"`
				Error string `json:"error"`
			}
			if err := json.Unmarshal(msg, &reply); err != nil {
				continue
			}
			if reply.Type == "broadcast_answer" {
				answerCh <- reply
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	f := New(Config{
		URL:    wsURL,
		Format: api.SampleFormatFloat32LE,
		OfferHandler: func(offer string) (string, error) {
			if strings.Contains(offer, "bad") {
				return "", errors.New("no free slots")
			}
			return "v=0 answer for " + offer, nil
		},
	})
	go f.Start()
	defer f.Stop()

	var got []struct {
		Type  string `json:"type"`
		SDP   string `json:"sdp"`
		Error string `json:"error"`
	}
	for len(got) < 2 {
		select {
		case reply := <-answerCh:
			got = append(got, reply)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d answers, want 2", len(got))
		}
	}

	// Offers are answered concurrently, so order is not fixed.
	var accepted, rejected int
	for _, reply := range got {
		switch {
		case reply.SDP != "" && strings.Contains(reply.SDP, "good"):
			accepted++
		case reply.Error == "no free slots":
			rejected++
		default:
			t.Fatalf("unexpected answer %+v", reply)
		}
	}
	if accepted != 1 || rejected != 1 {
		t.Fatalf("got %d accepted, %d rejected, want 1 each", accepted, rejected)
	}
}

func TestForwarder_StopIsIdempotentAndUnblocksStart(t *testing.T) {
	f := New(Config{URL: "ws://127.0.0.1:1", QueueSize: 4})

	started := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		close(started)
		f.Start()
		close(finished)
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	f.Stop()
	f.Stop()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
