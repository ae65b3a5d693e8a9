package registry

import (
	"context"
	"errors"
	"testing"

	"polychat/internal/providers"
)

type bufferedProvider struct {
	lastReq providers.ChatRequest
	text    string
	err     error
}

func (p *bufferedProvider) Chat(_ context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	p.lastReq = req
	return providers.ChatResponse{Text: p.text}, p.err
}

type streamingProvider struct {
	bufferedProvider
	deltas []string
}

func (p *streamingProvider) ChatStream(_ context.Context, req providers.ChatRequest, onDelta providers.DeltaFunc) (providers.ChatResponse, error) {
	p.lastReq = req
	full := ""
	for _, d := range p.deltas {
		full += d
		if err := onDelta(d); err != nil {
			return providers.ChatResponse{}, err
		}
	}
	return providers.ChatResponse{Text: full}, nil
}

func TestSendRejectsUnknownProviderBeforeBuilding(t *testing.T) {
	built := 0
	counting := func(string) providers.Provider {
		built++
		return &bufferedProvider{text: "x"}
	}
	builders := map[string]Builder{}
	for _, id := range providers.IDs() {
		builders[id] = counting
	}
	builders["cohere"] = counting
	r := NewWithBuilders(builders)

	for _, id := range []string{"cohere", "", "OpenAI", "azure"} {
		_, err := r.Send(context.Background(), Dispatch{Provider: id, APIKey: "k"})
		if !errors.Is(err, providers.ErrUnsupportedProvider) {
			t.Fatalf("expected ErrUnsupportedProvider for %q, got %v", id, err)
		}
	}
	if built != 0 {
		t.Fatalf("expected no client to be built, got %d", built)
	}
}

func TestSendFillsDefaultModel(t *testing.T) {
	p := &bufferedProvider{text: "ok"}
	r := NewWithBuilders(map[string]Builder{providers.Groq: func(string) providers.Provider { return p }})

	reply, err := r.Send(context.Background(), Dispatch{Provider: providers.Groq, APIKey: "k"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply != "ok" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if p.lastReq.Model != "llama-3.1-8b-instant" {
		t.Fatalf("expected default groq model, got %q", p.lastReq.Model)
	}

	if _, err := r.Send(context.Background(), Dispatch{Provider: providers.Groq, Request: providers.ChatRequest{Model: "mixtral"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if p.lastReq.Model != "mixtral" {
		t.Fatalf("explicit model must be kept, got %q", p.lastReq.Model)
	}
}

func TestSendStreamsNatively(t *testing.T) {
	p := &streamingProvider{deltas: []string{"He", "llo"}}
	r := NewWithBuilders(map[string]Builder{providers.OpenAI: func(string) providers.Provider { return p }})

	var got []string
	reply, err := r.Send(context.Background(), Dispatch{
		Provider: providers.OpenAI,
		Stream:   true,
		OnDelta: func(d string) error {
			got = append(got, d)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply != "Hello" || len(got) != 2 || got[0] != "He" || got[1] != "llo" {
		t.Fatalf("unexpected stream result %q %v", reply, got)
	}
}

func TestSendSimulatesSingleDelta(t *testing.T) {
	p := &bufferedProvider{text: "whole reply"}
	r := NewWithBuilders(map[string]Builder{providers.Mistral: func(string) providers.Provider { return p }})

	var got []string
	reply, err := r.Send(context.Background(), Dispatch{
		Provider: providers.Mistral,
		Stream:   true,
		OnDelta: func(d string) error {
			got = append(got, d)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply != "whole reply" || len(got) != 1 || got[0] != "whole reply" {
		t.Fatalf("expected one terminal delta, got %q %v", reply, got)
	}
}

func TestSendPassesProviderErrorsThrough(t *testing.T) {
	upstream := &providers.UpstreamError{Provider: providers.Claude, StatusCode: 401, Body: "nope"}
	p := &bufferedProvider{err: upstream}
	r := NewWithBuilders(map[string]Builder{providers.Claude: func(string) providers.Provider { return p }})

	_, err := r.Send(context.Background(), Dispatch{Provider: providers.Claude})
	if !errors.Is(err, upstream) {
		t.Fatalf("expected upstream error unchanged, got %v", err)
	}
}

func TestNewRegistersAllProviders(t *testing.T) {
	r := New(Options{})
	for _, id := range providers.IDs() {
		if _, ok := r.builders[id]; !ok {
			t.Fatalf("missing builder for %s", id)
		}
		if DefaultModel(id) == "" {
			t.Fatalf("missing default model for %s", id)
		}
	}
}
