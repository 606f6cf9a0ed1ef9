// Package bankpattern holds the closed registry of bank notification formats.
package bankpattern

import (
	"regexp"
	"strings"

	"github.com/ayo6706/p2p-settlement/internal/domain"
)

// Bank identifies one supported bank notification format.
type Bank int

const (
	SBP Bank = iota
	TBank
	Sberbank
	Alfabank
	VTB
	Gazprombank
	Raiffeisen
	PochtaBank
	OzonBank
	OTPBank
	PSB
	MTSBank
	Sovcombank
	Rosbank
	Otkritie

	bankCount
)

// Pattern describes how one bank formats its push notifications.
type Pattern struct {
	Name         string
	BankType     string
	Aliases      []string
	PackageNames []string
	Amount       []*regexp.Regexp
	Sender       []*regexp.Regexp
}

const (
	// amountGroup takes space-separated thousands only in groups of three and
	// never starts inside a longer number, so card and account digits stay out.
	amountGroup = `([+]?\b(?:\d{1,3}(?:[\s\x{00A0}]\d{3})+|\d+)(?:[.,]\d{1,2})?)`
	currency    = `(?:руб|RUB|RUR|₽|р)`
)

// re compiles a case-insensitive pattern, expanding {amt} and {cur}.
func re(pattern string) *regexp.Regexp {
	expanded := strings.NewReplacer("{amt}", amountGroup, "{cur}", currency).Replace(pattern)
	return regexp.MustCompile("(?i)" + expanded)
}

var senderFrom = regexp.MustCompile(`от\s+([А-ЯЁA-Z][а-яёa-z]+(?:\s+[А-ЯЁA-Z]\.)*)`)

// patterns is indexed by Bank; its length pins the registry to bankCount entries.
var patterns = [bankCount]Pattern{
	SBP: {
		Name:     "СБП",
		BankType: domain.BankTypeSBP,
		Aliases:  []string{"СБП", "SBP", "Система быстрых платежей"},
		Amount: []*regexp.Regexp{
			re(`Поступление\s+{amt}\s*р.*?(?:SBP|СБП)`),
			re(`(?:SBP|СБП).*?{amt}\s*{cur}`),
			re(`Система\s+быстрых\s+платежей.*?{amt}\s*{cur}`),
			re(`Поступление\s+{amt}\s+Счет\*\d{4}\s+(?:SBP|СБП)`),
		},
		Sender: []*regexp.Regexp{senderFrom, regexp.MustCompile(`Отправитель[:\s]+([А-ЯЁA-Z][а-яёa-z]+(?:\s+[А-ЯЁA-Z]\.)*)`)},
	},
	TBank: {
		Name:         "Тинькофф",
		BankType:     domain.BankTypeTBank,
		Aliases:      []string{"Тинькофф", "Т-Банк", "Tinkoff", "T-Bank", "TBANK"},
		PackageNames: []string{"com.idamob.tinkoff.android", "ru.tinkoff", "ru.tinkoff.sme"},
		Amount: []*regexp.Regexp{
			re(`(?:Пополнение|Перевод|Поступление|Зачисление)[,\s]+(?:счет\s+RUB\.\s*)?{amt}\s*{cur}`),
			re(`на\s+{amt}\s*{cur}`),
			re(`{amt}\s*{cur}`),
		},
		Sender: []*regexp.Regexp{senderFrom},
	},
	Sberbank: {
		Name:         "Сбербанк",
		BankType:     domain.BankTypeSberbank,
		Aliases:      []string{"Сбербанк", "Сбер", "Sberbank", "SBERBANK"},
		PackageNames: []string{"ru.sberbankmobile", "com.sberbank", "ru.sberbank.android"},
		Amount: []*regexp.Regexp{
			re(`СБЕР\s*{amt}\s*₽`),
			re(`(?:Перевод|зачисление|поступление)\s+{amt}\s*р`),
			re(`{amt}\s*{cur}`),
		},
		Sender: []*regexp.Regexp{senderFrom},
	},
	Alfabank: {
		Name:         "Альфа-Банк",
		BankType:     domain.BankTypeAlfabank,
		Aliases:      []string{"Альфа-Банк", "Альфа Банк", "Alfa-Bank", "ALFABANK"},
		PackageNames: []string{"ru.alfabank.mobile.android", "ru.alfabank"},
		Amount: []*regexp.Regexp{
			re(`(?:Перевод|Зачисление)(?:\s+из\s+[^+]+)?\s*{amt}\s*р`),
			re(`{amt}\s*{cur}`),
		},
		Sender: []*regexp.Regexp{senderFrom},
	},
	VTB: {
		Name:         "ВТБ",
		BankType:     domain.BankTypeVTB,
		Aliases:      []string{"ВТБ", "VTB"},
		PackageNames: []string{"ru.vtb24.mobilebanking.android", "ru.vtb24", "ru.vtb"},
		Amount: []*regexp.Regexp{
			re(`Поступление\s+{amt}\s*{cur}`),
			re(`Поступление\s+{amt}\s+Счет\*`),
			re(`(?:Перевод|Зачисление)(?:\s+из\s+[^+]+)?\s*{amt}\s*р`),
			re(`{amt}\s*{cur}`),
		},
		Sender: []*regexp.Regexp{senderFrom},
	},
	Gazprombank: {
		Name:         "Газпромбанк",
		BankType:     domain.BankTypeGazprom,
		Aliases:      []string{"Газпромбанк", "Gazprombank", "GAZPROMBANK"},
		PackageNames: []string{"ru.gazprombank.android.mobilebank.app", "ru.gazprombank.android", "ru.gazprombank"},
		Amount: []*regexp.Regexp{
			re(`Перевод\s+зачисление\s+{amt}\s*₽`),
			re(`(?:Перевод|зачисление|пополнение)(?:\s+из\s+[^+]+)?\s*{amt}\s*{cur}`),
			re(`{amt}\s*{cur}`),
		},
		Sender: []*regexp.Regexp{senderFrom},
	},
	Raiffeisen: {
		Name:         "Райффайзенбанк",
		BankType:     domain.BankTypeRaiffeisen,
		Aliases:      []string{"Райффайзенбанк", "Райффайзен", "Raiffeisen", "RAIFFEISEN"},
		PackageNames: []string{"ru.raiffeisen.mobile.new", "ru.raiffeisen", "ru.raiffeisenbank"},
		Amount: []*regexp.Regexp{
			re(`(?:Пополнение|Перевод от|Зачисление).*?{amt}\s*₽`),
			re(`{amt}\s*RUB.*?перевод`),
			re(`Поступление\s+{amt}\s*₽`),
		},
	},
	PochtaBank: {
		Name:         "Почта Банк",
		BankType:     domain.BankTypePochta,
		Aliases:      []string{"Почта Банк", "Pochtabank", "POCHTABANK"},
		PackageNames: []string{"ru.pochta.bank"},
		Amount: []*regexp.Regexp{
			re(`(?:Пополнение|Перевод|Зачисление).*?{amt}\s*₽`),
			re(`{amt}\s*{cur}`),
		},
	},
	OzonBank: {
		Name:         "Озон Банк",
		BankType:     domain.BankTypeOzon,
		Aliases:      []string{"Озон Банк", "Ozon Bank", "OZONBANK"},
		PackageNames: []string{"ru.ozon.bank"},
		Amount: []*regexp.Regexp{
			re(`(?:Пополнение|Перевод|Поступление).*?{amt}\s*₽`),
			re(`{amt}\s*{cur}`),
		},
	},
	OTPBank: {
		Name:         "ОТП Банк",
		BankType:     domain.BankTypeOTP,
		Aliases:      []string{"ОТП Банк", "OTP Bank", "OTPBANK"},
		PackageNames: []string{"ru.otpbank"},
		Amount: []*regexp.Regexp{
			re(`(?:Пополнение|Перевод|Поступление|Зачисление).*?{amt}\s*{cur}`),
			re(`{amt}\s*{cur}`),
		},
	},
	PSB: {
		Name:         "ПСБ",
		BankType:     domain.BankTypePSB,
		Aliases:      []string{"ПСБ", "Промсвязьбанк", "PSB", "PROMSVYAZBANK"},
		PackageNames: []string{"ru.psbank.android", "ru.psb"},
		Amount: []*regexp.Regexp{
			re(`(?:пополнение|Перевод|зачисление)\s+(?:на\s+)?{amt}\s*(?:RUR|руб|р)`),
			re(`{amt}\s*р\.`),
		},
	},
	MTSBank: {
		Name:         "МТС Банк",
		BankType:     domain.BankTypeMTS,
		Aliases:      []string{"МТС Банк", "MTS Bank", "MTSBANK"},
		PackageNames: []string{"ru.mts.bank", "ru.mtsbank"},
		Amount:       []*regexp.Regexp{re(`{amt}\s*{cur}`)},
	},
	Sovcombank: {
		Name:         "Совкомбанк",
		BankType:     domain.BankTypeSovcombank,
		Aliases:      []string{"Совкомбанк", "Sovcombank", "SOVCOMBANK"},
		PackageNames: []string{"ru.ftc.faktura.sovkombank"},
		Amount:       []*regexp.Regexp{re(`(?:Пополнение|Перевод).*?{amt}\s*₽`)},
	},
	Rosbank: {
		Name:         "Росбанк",
		BankType:     domain.BankTypeRosbank,
		Aliases:      []string{"Росбанк", "Rosbank", "ROSBANK"},
		PackageNames: []string{"ru.rosbank", "ru.rosbank.android"},
		Amount: []*regexp.Regexp{
			re(`Перевод\s*{amt}\s*{cur}`),
			re(`{amt}\s*{cur}`),
		},
	},
	Otkritie: {
		Name:         "Открытие",
		BankType:     domain.BankTypeOtkritie,
		Aliases:      []string{"Открытие", "Открытие Банк", "Otkritie", "OTKRITIE"},
		PackageNames: []string{"com.openbank", "ru.openbank"},
		Amount: []*regexp.Regexp{
			re(`Пополнение\s+счета\s+на\s+{amt}\s*{cur}`),
			re(`(?:Перевод|Пополнение).*?{amt}\s*{cur}`),
			re(`{amt}\s*{cur}`),
		},
	},
}

// Banks returns every registered bank in match priority order.
func Banks() []Bank {
	out := make([]Bank, 0, bankCount)
	for b := Bank(0); b < bankCount; b++ {
		out = append(out, b)
	}
	return out
}

// Pattern returns the notification format of b.
func (b Bank) Pattern() Pattern {
	if b < 0 || b >= bankCount {
		return Pattern{}
	}
	return patterns[b]
}

func (b Bank) String() string {
	return b.Pattern().Name
}

// Type returns the requisite bank type stored on bank details.
func (b Bank) Type() string {
	return b.Pattern().BankType
}
