// Package replier turns a routed caller question into spoken sentences.
//
// Replies stream out of the model token by token; the replier cuts the
// token stream at sentence boundaries and hands each completed sentence
// to the caller's emit function immediately, so synthesis of the first
// sentence starts while the rest is still generating. History persists
// the caller's bare words and the full reply text; retrieved passages
// only ever live in the prompt for the one turn that used them.
package replier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/voxfront/voxfront/pkg/inference"
	"github.com/voxfront/voxfront/pkg/kb"
	"github.com/voxfront/voxfront/pkg/router"
	"github.com/voxfront/voxfront/pkg/session"
)

// ErrBusy is returned when a generation is already running for the
// session.
var ErrBusy = errors.New("replier: generation already in progress")

const defaultPreamble = "You are the front desk assistant for a medical clinic, speaking " +
	"with a caller on the phone. Answer in short, plain sentences a voice " +
	"can read aloud. Never invent clinic facts; if unsure, offer to take " +
	"a message."

// Config holds replier tuning.
type Config struct {
	// Preamble is the system prompt for every turn.
	Preamble string

	// MinSentenceLen suppresses splits that would emit fragments shorter
	// than this many characters.
	MinSentenceLen int

	Logger *slog.Logger
}

// Replier streams model replies sentence by sentence.
type Replier struct {
	provider inference.Provider
	config   Config
	logger   *slog.Logger
}

// New creates a replier over an inference provider.
func New(provider inference.Provider, config Config) *Replier {
	if config.Preamble == "" {
		config.Preamble = defaultPreamble
	}
	if config.MinSentenceLen <= 0 {
		config.MinSentenceLen = 8
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Replier{
		provider: provider,
		config:   config,
		logger:   logger.With("component", "replier"),
	}
}

// StreamReply generates a reply for the caller's question and emits
// completed sentences as they form. The session's history gains the
// bare question and the full reply; the passages in decision augment
// the prompt only. Returns ErrBusy when the session is already
// generating. A cancelled or cleared generation emits nothing further
// and returns nil.
func (r *Replier) StreamReply(ctx context.Context, sess *session.Session, query string, decision router.Decision, emit func(sentence string)) error {
	if !sess.TrySetGenerating() {
		return ErrBusy
	}
	defer sess.ClearGenerating()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.SetGenerationCancel(cancel)

	messages := r.buildPrompt(sess, query, decision)

	stream, err := r.provider.Stream(ctx, &inference.ChatRequest{Messages: messages})
	if err != nil {
		return fmt.Errorf("replier: start stream: %w", err)
	}
	defer stream.Close()

	var reply strings.Builder
	var pending strings.Builder
	emitted := 0

	flush := func(sentence string) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			return
		}
		emit(sentence)
		emitted++
	}

	for {
		chunk, err := stream.Recv()
		if err != nil {
			// A barge-in cancels the request context and the provider
			// stream reports that as a read error. Not a failure, and
			// nothing further may be emitted for this turn.
			if ctx.Err() != nil || sess.IsCleared() {
				r.logger.Debug("generation cancelled", "session", sess.ID, "sentences", emitted)
				return nil
			}
			return fmt.Errorf("replier: recv: %w", err)
		}
		if chunk == nil {
			break
		}

		if ctx.Err() != nil || sess.IsCleared() {
			r.logger.Debug("generation cancelled", "session", sess.ID, "sentences", emitted)
			return nil
		}

		// Some providers pack the last tokens into the finishing chunk.
		pending.WriteString(chunk.Delta)
		reply.WriteString(chunk.Delta)

		for {
			sentence, rest, ok := splitSentence(pending.String(), r.config.MinSentenceLen)
			if !ok {
				break
			}
			flush(sentence)
			pending.Reset()
			pending.WriteString(rest)

			if ctx.Err() != nil || sess.IsCleared() {
				r.logger.Debug("generation cancelled", "session", sess.ID, "sentences", emitted)
				return nil
			}
		}

		if chunk.Done {
			break
		}
	}

	if ctx.Err() != nil || sess.IsCleared() {
		return nil
	}

	flush(pending.String())

	full := strings.TrimSpace(reply.String())
	if full != "" {
		sess.AppendTurn(inference.NewUserMessage(query))
		sess.AppendTurn(inference.NewAssistantMessage(full))
	}

	r.logger.Debug("reply complete",
		"session", sess.ID,
		"sentences", emitted,
		"chars", len(full),
	)
	return nil
}

// buildPrompt assembles preamble, bounded history, and the user turn,
// augmented with passages when the decision is grounded.
func (r *Replier) buildPrompt(sess *session.Session, query string, decision router.Decision) []inference.Message {
	messages := []inference.Message{inference.NewSystemMessage(r.config.Preamble)}
	messages = append(messages, sess.History()...)

	userTurn := query
	if decision.Strategy == router.StrategyGrounded && len(decision.Passages) > 0 {
		userTurn = augment(query, decision.Passages)
	}
	return append(messages, inference.NewUserMessage(userTurn))
}

// augment wraps the question with retrieved clinic material.
func augment(query string, passages []kb.Result) string {
	var b strings.Builder
	b.WriteString("Clinic reference material:\n")
	for _, p := range passages {
		switch p.Entry.Kind {
		case kb.KindQA:
			fmt.Fprintf(&b, "- Q: %s A: %s\n", p.Entry.Question, p.Entry.Answer)
		default:
			fmt.Fprintf(&b, "- %s\n", p.Entry.Text)
		}
	}
	b.WriteString("\nUsing only relevant material above, answer the caller: ")
	b.WriteString(query)
	return b.String()
}

// sentenceTerminators end a sentence when followed by space or quote.
const sentenceTerminators = ".!?"

// splitSentence cuts text at the first complete sentence boundary. A
// boundary is a terminator followed by whitespace or a closing quote,
// at least minLen characters in. Returns ok=false when no complete
// sentence is present yet.
func splitSentence(text string, minLen int) (sentence, rest string, ok bool) {
	runes := []rune(text)
	for i := 0; i < len(runes)-1; i++ {
		if !strings.ContainsRune(sentenceTerminators, runes[i]) {
			continue
		}
		next := runes[i+1]
		if next != ' ' && next != '\n' && next != '\t' && next != '"' && next != '\'' {
			continue
		}
		end := i + 1
		if next == '"' || next == '\'' {
			end++
		}
		if end < minLen {
			continue
		}
		return string(runes[:end]), string(runes[end:]), true
	}
	return "", "", false
}
