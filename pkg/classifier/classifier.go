// Package classifier maps raw failures from the certification provider to
// the retry taxonomy used by the submission orchestrator. It is pure: it never
// looks at retry history.
package classifier

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
)

type Kind string

const (
	KindNetwork           Kind = "NETWORK"
	KindProviderTemporary Kind = "PROVIDER_TEMPORARY"
	KindValidation        Kind = "VALIDATION"
	KindCertificate       Kind = "CERTIFICATE"
	KindDuplicate         Kind = "DUPLICATE"
	KindProviderPermanent Kind = "PROVIDER_PERMANENT"
	KindUnknown           Kind = "UNKNOWN"
)

func (k Kind) valid() bool {
	switch k {
	case KindNetwork, KindProviderTemporary, KindValidation, KindCertificate,
		KindDuplicate, KindProviderPermanent, KindUnknown:
		return true
	}
	return false
}

// Retryable is the policy column of the taxonomy. UNKNOWN is retryable here;
// the orchestrator limits it to a single retry per idempotency key.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindProviderTemporary, KindUnknown:
		return true
	}
	return false
}

type Classification struct {
	Kind      Kind   `json:"kind"`
	Retryable bool   `json:"retryable"`
	Rule      string `json:"rule,omitempty"`
	Message   string `json:"message"`
}

// Provider errors expose these optionally; the classifier does not import the
// provider package.
type coder interface{ ErrorCode() string }
type statuser interface{ HTTPStatus() int }
type hinter interface{ RetryableHint() (retryable bool, ok bool) }
type receiptErr interface{ UnreadableReceipt() bool }

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

type Classifier struct {
	rules []compiledRule
}

func New(cfg RulesConfig) (*Classifier, error) {
	var compiled []compiledRule
	for _, rule := range cfg.Rules {
		if !rule.Enabled {
			continue
		}
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledRule{rule: rule, re: re})
	}
	return &Classifier{rules: compiled}, nil
}

// Default panics only if the built-in rules fail to compile.
func Default() *Classifier {
	c, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Classifier) Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	msg := err.Error()

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return result(KindNetwork, "call-timeout", msg)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return result(KindNetwork, "transport", msg)
	}

	var re receiptErr
	if errors.As(err, &re) && re.UnreadableReceipt() {
		return result(KindProviderTemporary, "unreadable-receipt", msg)
	}

	// The provider's own retryable flag outranks the policy column; rules and
	// status only pick the kind.
	hint, hinted := false, false
	var h hinter
	if errors.As(err, &h) {
		hint, hinted = h.RetryableHint()
	}

	text := describe(err)
	for _, cr := range c.rules {
		if cr.re.MatchString(text) {
			cls := result(cr.rule.Kind, cr.rule.Name, msg)
			if hinted {
				cls.Retryable = hint
			}
			return cls
		}
	}

	if hinted {
		if hint {
			return result(KindProviderTemporary, "provider-hint", msg)
		}
		return result(KindProviderPermanent, "provider-hint", msg)
	}

	var s statuser
	if errors.As(err, &s) {
		switch status := s.HTTPStatus(); {
		case status >= 500:
			return result(KindProviderTemporary, "http-5xx", msg)
		case status >= 400:
			return result(KindProviderPermanent, "http-4xx", msg)
		}
	}

	return result(KindUnknown, "", msg)
}

func describe(err error) string {
	parts := make([]string, 0, 3)
	var cd coder
	if errors.As(err, &cd) && cd.ErrorCode() != "" {
		parts = append(parts, cd.ErrorCode())
	}
	var s statuser
	if errors.As(err, &s) && s.HTTPStatus() != 0 {
		parts = append(parts, strconv.Itoa(s.HTTPStatus()))
	}
	parts = append(parts, err.Error())
	return strings.Join(parts, " ")
}

func result(kind Kind, rule, msg string) Classification {
	return Classification{Kind: kind, Retryable: kind.Retryable(), Rule: rule, Message: msg}
}
