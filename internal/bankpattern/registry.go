package bankpattern

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/shopspring/decimal"
)

// maxHintDistance bounds the edit distance accepted when resolving a bank name hint.
const maxHintDistance = 2

// Extraction is the structured result of parsing one notification.
type Extraction struct {
	Bank   Bank
	Known  bool
	Amount decimal.Decimal
	Sender string
}

// Registry resolves package names and bank name hints against the closed bank table.
type Registry struct {
	byPackage map[string]Bank
	aliases   []aliasEntry
}

type aliasEntry struct {
	alias string
	bank  Bank
}

// NewRegistry indexes the bank table.
func NewRegistry() *Registry {
	r := &Registry{byPackage: make(map[string]Bank)}
	for _, b := range Banks() {
		p := b.Pattern()
		for _, pkg := range p.PackageNames {
			r.byPackage[strings.ToLower(pkg)] = b
		}
		for _, alias := range append([]string{p.Name}, p.Aliases...) {
			r.aliases = append(r.aliases, aliasEntry{alias: strings.ToLower(alias), bank: b})
		}
	}
	return r
}

// ForPackage returns the bank owning an Android package name.
func (r *Registry) ForPackage(packageName string) (Bank, bool) {
	b, ok := r.byPackage[strings.ToLower(strings.TrimSpace(packageName))]
	return b, ok
}

// Extract pulls the credited amount out of a notification text. Known packages try
// their own bank first and then SBP; unknown packages try every bank in order.
func (r *Registry) Extract(packageName, text string) (Extraction, error) {
	candidates := Banks()
	bank, known := r.ForPackage(packageName)
	if known {
		candidates = []Bank{bank}
		if bank != SBP {
			candidates = append(candidates, SBP)
		}
	}

	for _, b := range candidates {
		amount, ok := matchAmount(b.Pattern(), text)
		if !ok {
			continue
		}
		out := Extraction{Bank: b, Known: known, Amount: amount, Sender: matchSender(b.Pattern(), text)}
		if known {
			out.Bank = bank
		}
		return out, nil
	}
	return Extraction{}, fmt.Errorf("%w: package %q", domain.ErrExtractionFailed, packageName)
}

func matchAmount(p Pattern, text string) (decimal.Decimal, bool) {
	for _, expr := range p.Amount {
		for _, m := range expr.FindAllStringSubmatch(text, -1) {
			if len(m) < 2 {
				continue
			}
			amount, err := domain.ParseAmount(m[1])
			if err != nil || !amount.IsPositive() {
				continue
			}
			return amount, true
		}
	}
	return decimal.Zero, false
}

func matchSender(p Pattern, text string) string {
	for _, expr := range p.Sender {
		if m := expr.FindStringSubmatch(text); len(m) > 1 {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// BankTypeFromHint maps a free-text bank name, as found in notification metadata,
// to a requisite bank type. Exact alias and containment win over fuzzy matches.
func (r *Registry) BankTypeFromHint(hint string) (string, bool) {
	h := strings.ToLower(strings.TrimSpace(hint))
	if h == "" {
		return "", false
	}
	for _, a := range r.aliases {
		if a.alias == h {
			return a.bank.Type(), true
		}
	}
	for _, a := range r.aliases {
		if len([]rune(a.alias)) >= 3 && strings.Contains(h, a.alias) {
			return a.bank.Type(), true
		}
	}

	best, bestDist := Bank(-1), maxHintDistance+1
	for _, a := range r.aliases {
		if len([]rune(a.alias)) < 4 {
			continue
		}
		if d := levenshtein.ComputeDistance(h, a.alias); d < bestDist {
			best, bestDist = a.bank, d
		}
	}
	if best < 0 {
		return "", false
	}
	return best.Type(), true
}
