// Package gateway wires the channel backends, the persistence layer, the
// prompt pipeline and the scheduler into one running agent.
package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cocoabot/cocoa/internal/bus"
	"github.com/cocoabot/cocoa/internal/channel"
	"github.com/cocoabot/cocoa/internal/clock"
	"github.com/cocoabot/cocoa/internal/config"
	"github.com/cocoabot/cocoa/internal/directive"
	"github.com/cocoabot/cocoa/internal/dispatch"
	"github.com/cocoabot/cocoa/internal/extract"
	"github.com/cocoabot/cocoa/internal/history"
	"github.com/cocoabot/cocoa/internal/llm"
	"github.com/cocoabot/cocoa/internal/moderate"
	"github.com/cocoabot/cocoa/internal/sched"
	"github.com/cocoabot/cocoa/internal/store"
)

const typingPlaceholder = "_Typing..._"

// Completer abstracts the LLM call (allows mocking in tests).
type Completer interface {
	Complete(ctx context.Context, p config.ModelProfile, msgs []llm.Message) (string, error)
}

// Options for creating a Gateway.
type Options struct {
	Completer  Completer      // defaults to the HTTP chat-completions client
	Store      store.Store    // defaults to the configured backend
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg *config.Config
	bus *bus.MessageBus
	st  store.Store

	users     *store.Users
	schedules *store.Schedules
	memories  *store.Memories
	logs      *store.ChatLogs

	compactor  *history.Compactor
	completer  Completer
	modLoop    *moderate.Loop
	dispatcher *dispatch.Dispatcher
	scheduler  *sched.Scheduler
	channels   *channel.ChannelManager
	extractor  extract.Extractor

	dedup    *dedupRegistry
	debounce *debounceRegistry
	commands *commandState

	signalChan chan os.Signal
}

// New creates a Gateway with default options.
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	st := opts.Store
	if st == nil {
		var err error
		st, err = store.Open(cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	g.st = st
	g.users = store.NewUsers(st)
	g.schedules = store.NewSchedules(st)
	g.memories = store.NewMemories(st, cfg.Agent.MemoryLimit)
	g.logs = store.NewChatLogs(st, cfg.History.ChannelWindow)

	g.compactor = history.NewCompactor(g.users, g.logs, cfg.History.DMDenylist)

	g.completer = opts.Completer
	if g.completer == nil {
		g.completer = llm.NewClient()
	}

	judge := moderate.JudgeProfile(cfg.Profile(cfg.Agent.DefaultProfile))
	g.modLoop = moderate.NewLoop(g.completer, g.users, g.compactor, judge)

	g.dispatcher = dispatch.NewDispatcher(g.users, g.schedules, g.memories, g.logs)
	g.extractor = extract.New()

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr
	g.channels.SetCommandHandler(g.HandleCommand)

	g.scheduler = sched.NewScheduler(
		cfg, g.users, g.schedules, g.memories, g.logs,
		g.compactor, g.completer, g.dispatcher, g.channels.Transport,
	)

	g.dedup = newDedupRegistry()
	window := time.Duration(cfg.Agent.DebounceSecs) * time.Second
	if window <= 0 {
		window = config.DefaultDebounceSecs * time.Second
	}
	g.debounce = newDebounceRegistry(window, g.processTurn)
	g.commands = newCommandState()

	g.signalChan = opts.SignalChan
	return g, nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	go g.processLoop(ctx)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown(ctx)
}

func (g *Gateway) Shutdown(ctx context.Context) error {
	g.scheduler.Stop()
	g.debounce.Flush(ctx)
	_ = g.channels.StopAll()
	if closer, ok := g.st.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Printf("[gateway] close store warning: %v", err)
		}
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// handleInbound records the message and either defers it into the sender's
// debounce window (short mode) or processes it immediately.
func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	if g.dedup.Seen(msg.EventID) {
		log.Printf("[gateway] duplicate event %s dropped", msg.EventID)
		return
	}
	log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))

	g.recordInbound(msg)

	rec := g.users.Get(msg.SenderID)
	if rec.ModeOrDefault() == "short" {
		g.debounce.Add(ctx, msg)
		return
	}
	go g.processTurn(ctx, msg, 1)
}

// recordInbound persists the turn and refreshes the sender's activity
// bookkeeping before any model work happens, so history and the scheduler
// see the message even if the reply fails.
func (g *Gateway) recordInbound(msg bus.InboundMessage) {
	turn := store.Turn{
		SpeakerID:   msg.SenderID,
		SpeakerName: msg.SenderName,
		Content:     msg.Content,
		Timestamp:   msg.Timestamp,
	}

	g.users.Mutate(msg.SenderID, func(r *store.UserRecord) {
		r.LastActive = msg.Timestamp.Unix()
		r.Backend = msg.Channel
		if msg.IsDM {
			r.DMChannel = msg.ChatID
			r.DMHistory = append(r.DMHistory, turn)
		} else {
			r.LastChannel = msg.ChatID
			if r.ActiveChats == nil {
				r.ActiveChats = map[string]bool{}
			}
			r.ActiveChats[msg.ChatID] = true
		}
	})
	if !msg.IsDM {
		g.logs.Append(msg.ChatID, turn)
	}
}

// processTurn runs the full pipeline for one (possibly merged) turn:
// quota, placeholder, prompt assembly, completion, moderation, directive
// dispatch and segmented delivery.
func (g *Gateway) processTurn(ctx context.Context, msg bus.InboundMessage, count int) {
	transport, ok := g.channels.Transport(msg.Channel)
	if !ok {
		log.Printf("[gateway] no transport for backend %s, dropping turn", msg.Channel)
		return
	}

	rec := g.users.Get(msg.SenderID)
	profile := g.cfg.Profile(rec.Profile)
	mode := rec.ModeOrDefault()

	if !g.cfg.IsUnlimited(msg.SenderID) && rec.PointsUsed+profile.Cost > g.cfg.Agent.DailyQuota {
		if _, err := transport.Send(msg.ChatID, "Daily quota exhausted. It resets at midnight; /points shows your balance."); err != nil {
			log.Printf("[gateway] quota notice failed: %v", err)
		}
		return
	}

	placeholderID, err := transport.Send(msg.ChatID, typingPlaceholder)
	if err != nil {
		log.Printf("[gateway] placeholder send failed: %v", err)
		placeholderID = ""
	}

	scene := history.Scene{ChannelID: msg.ChatID, IsDM: msg.IsDM}
	msgs := []llm.Message{llm.System(g.buildSystemPrompt(msg.SenderID, msg.SenderName, scene, mode, transport))}
	msgs = append(msgs, g.compactor.Build(msg.SenderID, scene, profile.TokenLimit)...)
	msgs = append(msgs, g.attachmentContext(transport, msg)...)
	if img, ok := g.imageMessage(transport, profile, msg); ok {
		msgs = append(msgs, img)
	}

	raw, err := g.complete(ctx, msg, count, profile, mode, scene, msgs)
	if err != nil {
		log.Printf("[gateway] completion failed for %s: %v", msg.SenderID, err)
		g.deliverError(transport, msg.ChatID, placeholderID)
		return
	}

	if !g.cfg.IsUnlimited(msg.SenderID) {
		g.users.Mutate(msg.SenderID, func(r *store.UserRecord) { r.PointsUsed += profile.Cost })
	}

	visible, dirs, hadHidden := directive.Parse(raw, msg.SenderID, clock.Now())
	g.dispatcher.Execute(dirs, msg.SenderID, dispatch.Origin{
		ChannelID: msg.ChatID,
		MessageID: msg.MessageID,
		Backend:   msg.Channel,
	}, transport)

	g.deliver(transport, msg, placeholderID, visible, hadHidden)
}

func (g *Gateway) complete(ctx context.Context, msg bus.InboundMessage, count int, profile config.ModelProfile, mode string, scene history.Scene, msgs []llm.Message) (string, error) {
	if mode != "short" {
		return g.completer.Complete(ctx, profile, msgs)
	}
	result, err := g.modLoop.Run(ctx, moderate.Request{
		UserID:       msg.SenderID,
		Scene:        scene,
		Inbound:      msg.Content,
		InboundCount: count,
		Profile:      profile,
		Messages:     msgs,
	})
	if err != nil {
		return "", err
	}
	if result.FellBack {
		log.Printf("[gateway] rework attempts exhausted for %s, using fallback", msg.SenderID)
	}
	return result.Reply, nil
}

// attachmentContext extracts text from inbound documents. Failures are
// reported into the prompt so the model can acknowledge them.
func (g *Gateway) attachmentContext(transport channel.Transport, msg bus.InboundMessage) []llm.Message {
	var out []llm.Message
	for _, att := range msg.Attachments {
		data, err := transport.Download(att.URL)
		if err != nil {
			log.Printf("[gateway] download %s failed: %v", att.Name, err)
			out = append(out, llm.System(fmt.Sprintf("The user attached %q but it could not be downloaded.", att.Name)))
			continue
		}
		text, err := g.extractor.Extract(att.Name, att.Mime, data)
		if err != nil {
			log.Printf("[gateway] extract %s failed: %v", att.Name, err)
			out = append(out, llm.System(fmt.Sprintf("The user attached %q but its text could not be extracted.", att.Name)))
			continue
		}
		out = append(out, llm.User(fmt.Sprintf("Content of the attached file %q:\n%s", att.Name, text)))
	}
	return out
}

// imageMessage folds inbound images into a vision request. Non-vision
// profiles get a textual note instead so the model does not hallucinate
// having seen the image.
func (g *Gateway) imageMessage(transport channel.Transport, profile config.ModelProfile, msg bus.InboundMessage) (llm.Message, bool) {
	if len(msg.Images) == 0 {
		return llm.Message{}, false
	}
	if !profile.Vision {
		return llm.System("The user attached an image, but the current model cannot see images. Say so if relevant."), true
	}

	var uris []string
	for _, url := range msg.Images {
		data, err := transport.Download(url)
		if err != nil {
			log.Printf("[gateway] image download failed: %v", err)
			continue
		}
		mime := http.DetectContentType(data)
		uris = append(uris, "data:"+mime+";base64,"+base64.StdEncoding.EncodeToString(data))
	}
	if len(uris) == 0 {
		return llm.Message{}, false
	}
	return llm.Message{Role: "user", Content: "(attached image)", Images: uris}, true
}

// deliver turns the visible reply into platform messages. The typing
// placeholder becomes the first segment, or disappears when the reply is
// suppressed.
func (g *Gateway) deliver(transport channel.Transport, msg bus.InboundMessage, placeholderID, visible string, hadHidden bool) {
	suppressed := strings.TrimSpace(visible) == "" || strings.Contains(visible, directive.NoSendToken)
	if suppressed {
		if placeholderID != "" {
			if err := transport.Delete(msg.ChatID, placeholderID); err != nil {
				log.Printf("[gateway] placeholder delete failed: %v", err)
			}
		}
		return
	}

	var segments []string
	for _, seg := range strings.Split(visible, directive.Delimiter) {
		if seg = strings.TrimSpace(seg); seg != "" {
			segments = append(segments, seg)
		}
	}

	for i, segment := range segments {
		if i == 0 && placeholderID != "" {
			if err := transport.Update(msg.ChatID, placeholderID, segment); err != nil {
				log.Printf("[gateway] placeholder update failed: %v", err)
			}
		} else {
			if _, err := transport.Send(msg.ChatID, segment); err != nil {
				log.Printf("[gateway] segment send failed: %v", err)
				break
			}
		}
		g.recordAgentTurn(msg, segment, hadHidden)
	}
}

func (g *Gateway) recordAgentTurn(msg bus.InboundMessage, content string, hadHidden bool) {
	turn := store.Turn{
		Content:   content,
		Timestamp: clock.Now(),
		IsAgent:   true,
		Hidden:    hadHidden,
	}
	if msg.IsDM {
		g.users.Mutate(msg.SenderID, func(r *store.UserRecord) {
			r.DMHistory = append(r.DMHistory, turn)
		})
		return
	}
	g.logs.Append(msg.ChatID, turn)
}

func (g *Gateway) deliverError(transport channel.Transport, chatID, placeholderID string) {
	const apology = "Sorry, I ran into an error processing that. Please try again."
	if placeholderID != "" {
		if err := transport.Update(chatID, placeholderID, apology); err == nil {
			return
		}
	}
	if _, err := transport.Send(chatID, apology); err != nil {
		log.Printf("[gateway] error notice failed: %v", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
