package delivery

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"github.com/noahxzhu/local-notify/internal/model"
)

func TestPushoverDeliver(t *testing.T) {
	t.Parallel()
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		got = map[string]string{}
		for k := range r.PostForm {
			got[k] = r.PostForm.Get(k)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewPushover("tok", "usr", srv.URL)
	err := c.Deliver(context.Background(), Message{Title: "Time's up!", Body: "3 seconds have passed", Importance: model.ImportanceMax})
	if err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	want := map[string]string{"token": "tok", "user": "usr", "title": "Time's up!", "message": "3 seconds have passed", "priority": "1", "sound": "none"}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("form[%s] = %q, want %q", k, got[k], v)
		}
	}
}

func TestPushoverDeliverError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":0}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewPushover("tok", "usr", srv.URL).Deliver(context.Background(), Message{Title: "t", Sound: true})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected 429 error, got %v", err)
	}
}

func TestPushoverPriority(t *testing.T) {
	t.Parallel()
	tests := map[model.Importance]int{
		model.ImportanceMin:     -2,
		model.ImportanceLow:     -1,
		model.ImportanceDefault: 0,
		"":                      0,
		model.ImportanceHigh:    1,
		model.ImportanceMax:     1,
	}
	for imp, want := range tests {
		if got := pushoverPriority(imp); got != want {
			t.Fatalf("pushoverPriority(%q) = %d, want %d", imp, got, want)
		}
	}
}

type fakeSender struct {
	to   tele.Recipient
	text string
	opts *tele.SendOptions
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.to = to
	f.text, _ = what.(string)
	if len(opts) > 0 {
		f.opts, _ = opts[0].(*tele.SendOptions)
	}
	return &tele.Message{}, nil
}

func TestTelegramDeliver(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	tg := &Telegram{bot: fs, chatID: 42}

	if err := tg.Deliver(context.Background(), Message{Title: "a<b", Body: "body", Sound: true, Importance: model.ImportanceMax}); err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	if fs.to.Recipient() != "42" {
		t.Fatalf("recipient = %s, want 42", fs.to.Recipient())
	}
	if !strings.Contains(fs.text, "a&lt;b") {
		t.Fatalf("title not escaped: %q", fs.text)
	}
	if fs.opts == nil || fs.opts.DisableNotification {
		t.Fatalf("expected audible send, got %+v", fs.opts)
	}

	if err := tg.Deliver(context.Background(), Message{Title: "quiet", Sound: false}); err != nil {
		t.Fatal(err)
	}
	if !fs.opts.DisableNotification {
		t.Fatal("expected silent send when sound is off")
	}
}

func TestDesktopUsesAlertForSound(t *testing.T) {
	t.Parallel()
	var calls []string
	d := &Desktop{
		notify: func(title, message string) error { calls = append(calls, "notify"); return nil },
		alert:  func(title, message string) error { calls = append(calls, "alert"); return nil },
	}
	_ = d.Deliver(context.Background(), Message{Title: "t", Sound: true})
	_ = d.Deliver(context.Background(), Message{Title: "t"})
	if strings.Join(calls, ",") != "alert,notify" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestNewDrivers(t *testing.T) {
	t.Parallel()
	log := zerolog.Nop()
	if d, err := New(Config{}, log); err != nil || d.Name() != "log" {
		t.Fatalf("default driver: %v, %v", d, err)
	}
	if _, err := New(Config{Driver: "pushover"}, log); err == nil {
		t.Fatal("expected error for pushover without credentials")
	}
	if _, err := New(Config{Driver: "telegram"}, log); err == nil {
		t.Fatal("expected error for telegram without token")
	}
	if _, err := New(Config{Driver: "pigeon"}, log); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestLogDeliver(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewLog(zerolog.New(&buf))
	if err := l.Deliver(context.Background(), Message{Title: "hello"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"title":"hello"`) {
		t.Fatalf("unexpected log output %q", buf.String())
	}
}
