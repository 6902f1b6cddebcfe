// Package router picks the entry point for a request: the full change
// pipeline, a read-only direct query, or a conversational no-op.
package router

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/lucasnoah/infrafactory/internal/collab"
	"github.com/lucasnoah/infrafactory/internal/contract"
)

// Classifier is the external collaborator consulted when keyword rules are
// inconclusive.
type Classifier interface {
	Classify(ctx context.Context, text string) (contract.Route, error)
}

// Method records how a route was chosen.
type Method string

const (
	MethodKeyword    Method = "keyword"
	MethodClassifier Method = "classifier"
	MethodFallback   Method = "fallback"
)

// Decision is the router's output.
type Decision struct {
	Route  contract.Route
	Method Method
	Reason string
}

var changeKeywords = []string{
	"create", "add", "deploy", "update", "modify", "change", "delete", "remove",
	"scale", "upgrade", "install", "configure", "enable", "disable", "set",
	"increase", "decrease", "replicas", "rollback", "restart", "migrate",
}

var queryKeywords = []string{
	"get", "list", "show", "describe", "what", "which", "how many", "status",
	"check", "view", "display", "tell me", "logs", "events", "pods", "nodes",
	"namespaces", "services", "deployments",
}

// Investigation and audit flows are answered outside the change pipeline.
var investigateKeywords = []string{
	"investigate", "diagnose", "debug", "troubleshoot", "why is", "why are",
	"not working", "failing", "crashing", "stuck", "unhealthy",
	"root cause", "what's wrong", "help me understand",
}

var auditKeywords = []string{
	"audit", "compliance", "nist", "security scan", "security check",
	"security posture", "cost analysis", "cost optimization", "drift",
	"vulnerability scan", "cost review",
}

var greetings = []string{
	"hi", "hello", "hey", "thanks", "thank you", "good morning",
	"good afternoon", "good evening", "what can you do", "who are you",
}

// questionWords veto a change classification: "how do I scale X" is a query.
var questionWords = []string{"what", "which", "how", "list", "show"}

// Router classifies requests.
type Router struct {
	classifier Classifier
	policy     collab.Policy
	log        *zap.Logger
}

// New creates a Router. classifier may be nil, in which case inconclusive
// requests fall back to a direct query.
func New(classifier Classifier, policy collab.Policy, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{classifier: classifier, policy: policy, log: log}
}

// Route chooses the entry point for req.
func (r *Router) Route(ctx context.Context, req contract.Request) Decision {
	if d, ok := Keywords(req.Description); ok {
		return d
	}

	if r.classifier == nil {
		return Decision{Route: contract.RouteDirectQuery, Method: MethodFallback, Reason: "no classifier configured"}
	}

	route, err := collab.Call(ctx, r.policy, "classifier", func(ctx context.Context) (contract.Route, error) {
		return r.classifier.Classify(ctx, req.Description)
	})
	if err != nil {
		r.log.Warn("classifier unavailable, falling back to direct query",
			zap.String("request_id", req.ID), zap.Error(err))
		return Decision{Route: contract.RouteDirectQuery, Method: MethodFallback, Reason: err.Error()}
	}
	switch route {
	case contract.RouteFullPipeline, contract.RouteDirectQuery, contract.RouteNoop:
		return Decision{Route: route, Method: MethodClassifier, Reason: "classifier"}
	}
	return Decision{
		Route:  contract.RouteDirectQuery,
		Method: MethodFallback,
		Reason: fmt.Sprintf("classifier returned unknown route %q", route),
	}
}

// Keywords applies the fixed keyword rules. ok is false when they are
// inconclusive.
func Keywords(text string) (Decision, bool) {
	msg := normalize(text)
	if msg == "" {
		return Decision{Route: contract.RouteNoop, Method: MethodKeyword, Reason: "empty request"}, true
	}

	if kw := firstContained(msg, investigateKeywords); kw != "" {
		return Decision{Route: contract.RouteDirectQuery, Method: MethodKeyword, Reason: "investigation: " + kw}, true
	}
	if kw := firstContained(msg, auditKeywords); kw != "" {
		return Decision{Route: contract.RouteDirectQuery, Method: MethodKeyword, Reason: "audit: " + kw}, true
	}
	if isGreeting(msg) {
		return Decision{Route: contract.RouteNoop, Method: MethodKeyword, Reason: "greeting"}, true
	}

	for _, kw := range changeKeywords {
		if hasWord(msg, kw) && firstWord(msg, questionWords) == "" {
			return Decision{Route: contract.RouteFullPipeline, Method: MethodKeyword, Reason: "change: " + kw}, true
		}
	}
	for _, kw := range queryKeywords {
		if hasWord(msg, kw) {
			return Decision{Route: contract.RouteDirectQuery, Method: MethodKeyword, Reason: "query: " + kw}, true
		}
	}
	return Decision{}, false
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), " ")
}

func firstContained(msg string, words []string) string {
	for _, w := range words {
		if strings.Contains(msg, w) {
			return w
		}
	}
	return ""
}

// firstWord returns the first of words that appears in msg as a whole word,
// ignoring punctuation.
func firstWord(msg string, words []string) string {
	tokens := map[string]bool{}
	for _, tok := range strings.FieldsFunc(msg, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tokens[tok] = true
	}
	for _, w := range words {
		if tokens[w] {
			return w
		}
	}
	return ""
}

// hasWord matches kw at the start of msg or surrounded by spaces.
func hasWord(msg, kw string) bool {
	return strings.HasPrefix(msg, kw+" ") || msg == kw || strings.Contains(msg, " "+kw+" ")
}

func isGreeting(msg string) bool {
	trimmed := strings.TrimRight(msg, "!?. ")
	for _, g := range greetings {
		if trimmed == g || strings.HasPrefix(trimmed, g+" ") || strings.HasPrefix(trimmed, g+",") {
			// "hey, add a bucket" is still a change
			for _, kw := range changeKeywords {
				if hasWord(trimmed, kw) {
					return false
				}
			}
			return true
		}
	}
	return false
}
