package handlers

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Davincible/claude-proxy-go/internal/config"
	"github.com/Davincible/claude-proxy-go/internal/providers"
	"github.com/Davincible/claude-proxy-go/internal/router"
	"github.com/Davincible/claude-proxy-go/internal/upstream"
)

// ProxyHandler accepts Anthropic-format requests, routes the model alias to
// a backend family, translates in both directions and relays the result.
type ProxyHandler struct {
	config   *config.Manager
	registry *providers.Registry
	invoker  upstream.Invoker
	logger   *slog.Logger
}

func NewProxyHandler(cfg *config.Manager, registry *providers.Registry, invoker upstream.Invoker, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		config:   cfg,
		registry: registry,
		invoker:  invoker,
		logger:   logger,
	}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.config.Get()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, providers.ErrTypeInvalidRequest,
			fmt.Sprintf("failed to read request body: %v", err))
		return
	}

	alias := gjson.GetBytes(body, "model").String()
	if alias == "" {
		h.writeError(w, http.StatusBadRequest, providers.ErrTypeInvalidRequest, "model is required")
		return
	}

	stream := gjson.GetBytes(body, "stream").Bool()
	inputTokens := h.countInputTokens(string(body))

	target, err := h.resolveTarget(alias, inputTokens, &cfg.Router)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, providers.ErrTypeInvalidRequest, err.Error())
		return
	}

	provider, ok := h.registry.Get(target.Family)
	if !ok {
		h.writeError(w, http.StatusBadRequest, providers.ErrTypeInvalidRequest,
			fmt.Sprintf("no provider for family %q", target.Family))
		return
	}

	body, err = sjson.SetBytes(body, "model", target.ModelID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, providers.ErrTypeInvalidRequest,
			fmt.Sprintf("failed to rewrite model: %v", err))
		return
	}

	upstreamBody, err := provider.TransformRequest(body)
	if err != nil {
		// Translation failures are fatal for the request; a silently
		// mis-shaped upstream call would be worse than the error.
		h.writeError(w, http.StatusBadRequest, providers.ErrTypeInvalidRequest,
			fmt.Sprintf("request translation failed: %v", err))
		return
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	provider.ApplyAuth(header, h.apiKeyFor(cfg, target.Family))

	h.logger.Info("Proxying request",
		"alias", alias,
		"target", target.String(),
		"stream", stream,
		"input_tokens", inputTokens,
	)

	resp, err := h.invoker.Do(r.Context(), upstream.Call{
		Method: http.MethodPost,
		URL:    provider.RequestURL(target.ModelID, stream),
		Header: header,
		Body:   upstreamBody,
	})
	if err != nil {
		h.writeError(w, http.StatusBadGateway, providers.ErrTypeAPI,
			fmt.Sprintf("upstream request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.relayError(w, resp, provider)
		return
	}

	if stream && provider.IsStreaming(resp.Header) {
		h.relayStream(w, resp, provider, inputTokens)
	} else {
		h.relayResponse(w, resp, provider, inputTokens)
	}
}

// resolveTarget runs alias resolution, then escalates to the long-context
// target when the request size crosses the configured threshold.
func (h *ProxyHandler) resolveTarget(alias string, inputTokens int, rc *config.RouterConfig) (router.BackendTarget, error) {
	rt := router.New(router.Preferences{
		PreferredFamily: rc.PreferredProvider,
		BigModel:        rc.BigModel,
		SmallModel:      rc.SmallModel,
		Default:         rc.Default,
		LongContext:     rc.LongContext,
		Aliases:         rc.Aliases,
	})

	if inputTokens > rc.LongContextThreshold {
		if target, ok := rt.ResolveLongContext(); ok {
			h.logger.Info("Escalating to long-context target",
				"input_tokens", inputTokens,
				"threshold", rc.LongContextThreshold,
				"target", target.String(),
			)
			return target, nil
		}
	}

	return rt.Resolve(alias)
}

func (h *ProxyHandler) apiKeyFor(cfg *config.Config, family string) string {
	if provider, ok := cfg.ProviderByName(family); ok {
		return provider.APIKey
	}

	return ""
}

func (h *ProxyHandler) relayError(w http.ResponseWriter, resp *http.Response, provider providers.Provider) {
	reader, err := upstream.DecompressedBody(resp)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, providers.ErrTypeAPI,
			fmt.Sprintf("decompression error: %v", err))
		return
	}
	defer reader.Close()

	body, _ := io.ReadAll(reader)

	translated := provider.TransformError(resp.StatusCode, body)

	h.logger.Error("Upstream error response",
		"provider", provider.Name(),
		"status", resp.StatusCode,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(translated)
}

// relayStream reconstructs the backend's event stream into origin-protocol
// events. Client disconnects cancel the upstream call through the request
// context; the resulting read error lands in the abort path below.
func (h *ProxyHandler) relayStream(w http.ResponseWriter, resp *http.Response, provider providers.Provider, inputTokens int) {
	reader, err := upstream.DecompressedBody(resp)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, providers.ErrTypeAPI,
			fmt.Sprintf("decompression error: %v", err))
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	state := providers.NewStreamState()
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			// Event-name and id lines carry nothing the reconstruction
			// needs; the payload type names the event on the way out.
			continue
		}

		// End-of-stream marker used by chat-completions; never forwarded.
		if data == "[DONE]" {
			break
		}

		events, err := provider.TransformStream([]byte(data), state)
		if err != nil {
			h.logger.Error("Stream translation error", "error", err, "provider", provider.Name())
			continue
		}

		if len(events) > 0 {
			w.Write(events)
			h.flush(w)
		}

		if state.Done() {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		h.logger.Error("Stream read error", "error", err, "provider", provider.Name())
	}

	// A stream that ends without its terminal event is truncated: close out
	// what is open and stop, without pretending the message completed.
	if !state.Done() {
		if events := state.Abort(); len(events) > 0 {
			w.Write(events)
		}

		h.logger.Warn("Stream ended without terminal event",
			"provider", provider.Name(),
			"blocks", state.BlockCount(),
		)
	}

	h.flush(w)

	h.logger.Info("Completed streaming response",
		"provider", provider.Name(),
		"aborted", state.Aborted(),
		"input_tokens", inputTokens,
	)
}

func (h *ProxyHandler) relayResponse(w http.ResponseWriter, resp *http.Response, provider providers.Provider, inputTokens int) {
	reader, err := upstream.DecompressedBody(resp)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, providers.ErrTypeAPI,
			fmt.Sprintf("decompression error: %v", err))
		return
	}
	defer reader.Close()

	body, err := io.ReadAll(reader)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, providers.ErrTypeAPI,
			fmt.Sprintf("failed to read upstream response: %v", err))
		return
	}

	translated, err := provider.TransformResponse(body)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, providers.ErrTypeAPI,
			fmt.Sprintf("response translation failed: %v", err))
		return
	}

	usage := gjson.GetBytes(translated, "usage")
	if !usage.Exists() || (usage.Get("input_tokens").Int() == 0 && usage.Get("output_tokens").Int() == 0) {
		h.logger.Warn("Upstream reported no usage; token counts are zeroed",
			"provider", provider.Name(),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(translated)

	h.logger.Info("Completed response",
		"provider", provider.Name(),
		"input_tokens", inputTokens,
		"output_tokens", usage.Get("output_tokens").Int(),
	)
}

func (h *ProxyHandler) countInputTokens(text string) int {
	tke, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		// The count only gates long-context escalation, so a rough
		// bytes-per-token estimate beats giving up.
		h.logger.Warn("Failed to get tiktoken encoding, estimating", "error", err)
		return len(text) / 4
	}

	return len(tke.Encode(text, nil, nil))
}

func (h *ProxyHandler) flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (h *ProxyHandler) writeError(w http.ResponseWriter, status int, errType, message string) {
	h.logger.Error("Request failed", "status", status, "type", errType, "message", message)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(providers.NewErrorResponse(errType, message))
}
