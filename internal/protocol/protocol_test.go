package protocol

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
)

func TestDecodeKnownKinds(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind EnvelopeType
	}{
		{"token", `{"type":"token","token":"Hi","message_group_id":"g1","status":"token","seq":1}`, TypeToken},
		{"token without seq", `{"type":"token","token":"","message_group_id":"g1"}`, TypeToken},
		{"generation started", `{"type":"generation_status","status":"generation_started","message_group_id":"g1"}`, TypeGenerationStatus},
		{"generation failed", `{"type":"generation_status","status":"generation_failed","message_group_id":"g1","message":"boom"}`, TypeGenerationStatus},
		{"search partial", `{"type":"search_result","status":"web_search_partial_result","query":"wp hooks","results":[{"title":"a","url":"https://x"}],"index":0,"total":3}`, TypeSearchResult},
		{"error", `{"type":"error","message":"rate limited","code":"429"}`, TypeError},
		{"connection established", `{"type":"connection_established","conversation_id":"c1","is_new_conversation":true,"status":"connected","user_id":null}`, TypeConnectionEstablished},
		{"history page", `{"type":"history_page","count":1,"messages":[{"id":"m1","role":"user","content":"hello","created_at":"2024-01-01T00:00:00Z"}]}`, TypeHistoryPage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if ev.Kind() != tt.kind {
				t.Errorf("Kind() = %s, want %s", ev.Kind(), tt.kind)
			}
		})
	}
}

func TestDecodeTokenFields(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"token","token":" there","message_group_id":"g1","seq":7}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	tok, ok := ev.(TokenEvent)
	if !ok {
		t.Fatalf("expected TokenEvent, got %T", ev)
	}
	if tok.Token != " there" || tok.Group() != "g1" || tok.Seq != 7 {
		t.Errorf("unexpected token event: %+v", tok)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ``},
		{"not json", `hello`},
		{"json null", `null`},
		{"array", `[1,2,3]`},
		{"number", `42`},
		{"missing type", `{"token":"x","message_group_id":"g1"}`},
		{"empty type", `{"type":"","token":"x"}`},
		{"unknown type", `{"type":"tool_call","name":"x"}`},
		{"token missing group", `{"type":"token","token":"x"}`},
		{"token wrong type", `{"type":"token","token":5,"message_group_id":"g1"}`},
		{"token zero seq", `{"type":"token","token":"x","message_group_id":"g1","seq":0}`},
		{"status unknown", `{"type":"generation_status","status":"generation_paused","message_group_id":"g1"}`},
		{"search bad status", `{"type":"search_result","status":"half_done"}`},
		{"error missing message", `{"type":"error","code":"x"}`},
		{"connection missing conversation", `{"type":"connection_established","is_new_conversation":true,"status":"ok"}`},
		{"history bad role", `{"type":"history_page","messages":[{"id":"m1","role":"tool","content":"x","created_at":"2024-01-01T00:00:00Z"}]}`},
		{"invalid utf8", "{\"type\":\"token\",\"token\":\"\xff\",\"message_group_id\":\"g1\"}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.raw))
			if err == nil {
				t.Fatalf("Decode() = %+v, want error", ev)
			}
			if !errors.Is(err, ErrDecode) {
				t.Errorf("error %v does not match ErrDecode", err)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Errorf("error %T is not *DecodeError", err)
			}
		})
	}
}

func TestDecodeNeverPanics(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	seeds := [][]byte{
		[]byte(`{"type":"token","token":"Hi","message_group_id":"g1"}`),
		[]byte(`{"type":"history_page","messages":[]}`),
		[]byte(`{"type":"search_result","status":"completed","results":[{}]}`),
	}
	for i := 0; i < 2000; i++ {
		var data []byte
		if i%2 == 0 {
			data = make([]byte, rng.Intn(64))
			rng.Read(data)
		} else {
			seed := seeds[rng.Intn(len(seeds))]
			data = append([]byte(nil), seed...)
			for j := 0; j < 3; j++ {
				data[rng.Intn(len(data))] = byte(rng.Intn(256))
			}
		}
		ev, err := Decode(data)
		if (ev == nil) == (err == nil) {
			t.Fatalf("Decode(%q) returned ev=%v err=%v; want exactly one", data, ev, err)
		}
	}
}

func TestEncodeSendAppliesDefaults(t *testing.T) {
	data, err := EncodeSend("Hello", "g1", Options{DoWebSearch: Bool(true)})
	if err != nil {
		t.Fatalf("EncodeSend() error = %v", err)
	}

	var env MessageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != TypeMessage || env.Message != "Hello" || env.MessageGroupID != "g1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Options == nil {
		t.Fatal("expected options to be present")
	}
	if !*env.Options.DoWebSearch {
		t.Error("do_web_search should keep explicit true")
	}
	if *env.Options.DoVectorSearch != DefaultDoVectorSearch {
		t.Errorf("do_vector_search = %v, want default %v", *env.Options.DoVectorSearch, DefaultDoVectorSearch)
	}
	if *env.Options.MaxTokens != DefaultMaxTokens {
		t.Errorf("max_tokens = %d, want %d", *env.Options.MaxTokens, DefaultMaxTokens)
	}
}

func TestEncodeSendValidation(t *testing.T) {
	tests := []struct {
		name    string
		message string
		opts    Options
	}{
		{"empty message", "   ", Options{}},
		{"temperature too high", "hi", Options{Temperature: Float(3)}},
		{"negative max tokens", "hi", Options{MaxTokens: Int(-1)}},
		{"top_p out of range", "hi", Options{TopP: Float(1.5)}},
		{"too many stops", "hi", Options{Stop: []string{"a", "b", "c", "d", "e"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeSend(tt.message, "g1", tt.opts)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("EncodeSend() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestOptionsFromMap(t *testing.T) {
	opts, err := OptionsFromMap(map[string]any{
		"do_vector_search": true,
		"model_name":       "gpt-4o-mini",
		"temperature":      0.2,
		"max_tokens":       256,
		"stop":             []string{"\n\n"},
	})
	if err != nil {
		t.Fatalf("OptionsFromMap() error = %v", err)
	}
	if opts.DoVectorSearch == nil || !*opts.DoVectorSearch {
		t.Error("expected do_vector_search=true")
	}
	if opts.ModelName != "gpt-4o-mini" || *opts.MaxTokens != 256 || *opts.Temperature != 0.2 {
		t.Errorf("unexpected options: %+v", opts)
	}

	if _, err := OptionsFromMap(map[string]any{"temprature": 0.5}); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown key error = %v, want ErrValidation", err)
	}
	if _, err := OptionsFromMap(map[string]any{"max_tokens": "lots"}); !errors.Is(err, ErrValidation) {
		t.Errorf("wrong type error = %v, want ErrValidation", err)
	}
}

func TestEncodeCommand(t *testing.T) {
	data, err := EncodeCommand(CommandCancel, "g1")
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	if string(data) != `{"type":"command","command":"cancel","message_group_id":"g1"}` {
		t.Errorf("unexpected payload %s", data)
	}

	if _, err := EncodeCommand(CommandCancel, ""); !errors.Is(err, ErrValidation) {
		t.Errorf("missing group error = %v, want ErrValidation", err)
	}
	if _, err := EncodeCommand("pause", "g1"); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown command error = %v, want ErrValidation", err)
	}
}

func TestEncodeHistoryRequest(t *testing.T) {
	data, err := EncodeHistoryRequest("c1", 20, 10)
	if err != nil {
		t.Fatalf("EncodeHistoryRequest() error = %v", err)
	}
	if string(data) != `{"type":"history_request","offset":20,"limit":10,"conversation_id":"c1"}` {
		t.Errorf("unexpected payload %s", data)
	}
}

func TestDecodeClientRoundTrip(t *testing.T) {
	send, _ := EncodeSend("Hello", "g1", Options{})
	cancel, _ := EncodeCommand(CommandCancel, "g1")
	history, _ := EncodeHistoryRequest("c1", 0, 5)

	for _, raw := range [][]byte{send, cancel, history} {
		env, err := DecodeClient(raw)
		if err != nil {
			t.Fatalf("DecodeClient(%s) error = %v", raw, err)
		}
		switch e := env.(type) {
		case MessageEnvelope:
			if e.Message != "Hello" {
				t.Errorf("message = %q", e.Message)
			}
		case CommandEnvelope:
			if e.MessageGroupID != "g1" {
				t.Errorf("group = %q", e.MessageGroupID)
			}
		case HistoryRequestEnvelope:
			if e.Limit == nil || *e.Limit != 5 {
				t.Errorf("limit = %v", e.Limit)
			}
		default:
			t.Errorf("unexpected envelope %T", env)
		}
	}

	if _, err := DecodeClient([]byte(`{"type":"token"}`)); err == nil {
		t.Error("expected inbound-only type to be rejected")
	}
}

func TestMarshalEventDecodes(t *testing.T) {
	events := []Event{
		NewTokenEvent("g1", "Hi", 1),
		NewGenerationStatusEvent("g1", GenerationCompleted, ""),
		NewSearchResultEvent("g1", SourceContext, SearchCompleted, "q", []SearchResult{{Title: "t"}}),
		NewErrorEvent("g1", "boom", "internal"),
		NewConnectionEstablishedEvent("c1", true, "u1", "token"),
		NewHistoryPageEvent("c1", 0, 0, false, nil),
	}
	for _, ev := range events {
		data, err := MarshalEvent(ev)
		if err != nil {
			t.Fatalf("MarshalEvent(%T) error = %v", ev, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", data, err)
		}
		if got.Kind() != ev.Kind() {
			t.Errorf("kind = %s, want %s", got.Kind(), ev.Kind())
		}
	}
}
