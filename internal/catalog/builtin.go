package catalog

func q(pl, en string) map[string]string {
	return map[string]string{"pl": pl, "en": en}
}

// BuiltinTypes returns the default task types in registration order.
func BuiltinTypes() []TaskType {
	socialQuestions := map[string]map[string]string{
		"topic":     q("O czym ma być post?", "What should the post be about?"),
		"platform":  q("Na jaką platformę? (instagram, facebook, linkedin, twitter, tiktok)", "Which platform? (instagram, facebook, linkedin, twitter, tiktok)"),
		"tone":      q("Jaki ton? (zabawny, profesjonalny, swobodny, inspirujący, informacyjny)", "What tone? (funny, professional, casual, inspiring, informative)"),
		"audience":  q("Do kogo kierujesz treść? (młodzież, profesjonaliści, klienci, ogólna, studenci)", "Who is the audience? (youth, professionals, customers, general, students)"),
		"post_kind": q("Jaki rodzaj posta? (promocyjny, edukacyjny, ogłoszenie, wydarzenie)", "What kind of post? (promotional, educational, announcement, event)"),
	}
	socialDefaults := map[string]any{"platform": "instagram", "tone": "swobodny", "audience": "ogólna"}

	return []TaskType{
		{
			Name:     "social_post",
			Display:  q("post w social media", "social media post"),
			Examples: q("stwórz post o kawie", "write a post about coffee"),
			Patterns: []string{
				`\bpost\w*`,
				`\bwpis\w*`,
				`\bsocial\s*media\b`,
				`\btweet\w*`,
			},
			Required:    []string{"topic"},
			Recommended: []string{"platform", "tone", "audience"},
			Optional:    []string{"post_kind"},
			TopicParam:  "topic",
			Defaults:    socialDefaults,
			Questions:   socialQuestions,
			Capabilities: []Capability{
				{Capability: "content.social_post", Category: "content", TaskKind: "social_post"},
			},
		},
		{
			Name:     "promo_campaign",
			Display:  q("kampania promocyjna", "promotional campaign"),
			Examples: q("przygotuj kampanię promocyjną o nowej kawie", "prepare a promo campaign about our new coffee"),
			Patterns: []string{
				`\bkampani\w*`,
				`\bpromocj\w*`,
				`\breklam\w*`,
				`\bcampaign\w*`,
				`\bpromo\b`,
			},
			Required:    []string{"topic"},
			Recommended: []string{"platform", "tone", "audience"},
			TopicParam:  "topic",
			Defaults:    socialDefaults,
			Questions:   socialQuestions,
			Capabilities: []Capability{
				{Capability: "content.social_post", Category: "content", TaskKind: "promo_campaign"},
				{Capability: "image.generate", Category: "image", TaskKind: "promo_campaign"},
			},
		},
		{
			Name:     "image",
			Display:  q("grafika", "image"),
			Examples: q("zrób grafikę z kubkiem kawy", "make an image of a coffee cup"),
			Patterns: []string{
				`\bobraz\w*`,
				`\bgrafik\w*`,
				`\bzdjeci\w*`,
				`\bilustracj\w*`,
				`\b(image|picture|illustration)s?\b`,
			},
			Required:    []string{"subject"},
			Recommended: []string{"style", "format"},
			TopicParam:  "subject",
			Aliases:     map[string]string{"topic": "subject"},
			Defaults:    map[string]any{"style": "realistyczny", "format": "kwadrat"},
			ParamPatterns: map[string]string{
				"subject": `(?:obraz(?:ek)?|grafik[aęię]|zdjęci[eaę]|ilustracj[aęi]|image|picture|illustration)\s+(?:z\s+|ze\s+|of\s+(?:a\s+|an\s+)?)?(.+)$`,
			},
			Questions: map[string]map[string]string{
				"subject": q("Co ma przedstawiać grafika?", "What should the image show?"),
				"style":   q("Jaki styl? (realistyczny, ilustracja, minimalistyczny, akwarela)", "Which style? (realistic, illustration, minimalist, watercolor)"),
				"format":  q("Jaki format? (kwadrat, pionowy, poziomy)", "Which format? (square, portrait, landscape)"),
			},
			Capabilities: []Capability{
				{Capability: "image.generate", Category: "image", TaskKind: "image"},
			},
		},
		{
			Name:     "invoice",
			Display:  q("faktura", "invoice"),
			Examples: q("wystaw fakturę dla ACME na 1200 zł za konsulting", "issue an invoice to ACME for 1200 EUR for consulting"),
			Patterns: []string{
				`\bfaktur\w*`,
				`\binvoic\w*`,
				`\brachun\w*`,
			},
			Required:    []string{"client", "service", "amount"},
			Recommended: []string{"currency", "due_days"},
			Numeric:     []string{"amount", "due_days"},
			TopicParam:  "service",
			Aliases:     map[string]string{"topic": "service"},
			Defaults:    map[string]any{"currency": "PLN", "due_days": 14},
			ParamPatterns: map[string]string{
				"client":   `\b(?:dla|to)\s+(?:firmy\s+|klienta\s+|company\s+)?([^\s,]+)`,
				"service":  `\b(?:za|for)\s+([\p{L}][^,]*?)\s*(?:,|$)`,
				"amount":   `(\d+(?:[.,]\d+)?)\s*(?:zł|zl|pln|eur|euro|usd|\$|dolar)`,
				"due_days": `(\d+)\s*(?:dni|dzień|days?)`,
			},
			Questions: map[string]map[string]string{
				"client":   q("Dla kogo jest faktura?", "Who is the invoice for?"),
				"service":  q("Za jaką usługę?", "For which service?"),
				"amount":   q("Na jaką kwotę?", "What is the amount?"),
				"currency": q("W jakiej walucie? (PLN, EUR, USD)", "Which currency? (PLN, EUR, USD)"),
				"due_days": q("Termin płatności w dniach?", "Payment due in how many days?"),
			},
			Capabilities: []Capability{
				{Capability: "finance.invoice", Category: "finance", TaskKind: "invoice"},
			},
		},
		{
			Name:     "interview_questions",
			Display:  q("pytania rekrutacyjne", "interview questions"),
			Examples: q("przygotuj pytania rekrutacyjne na stanowisko programista Go", "prepare interview questions for a Go developer"),
			Patterns: []string{
				`\brekrutac\w*`,
				`\brozmow\w*\s+kwalifikac\w*`,
				`\binterview\w*`,
				`\bkandyda\w*`,
				`\bstanowisk\w*`,
			},
			Required:    []string{"position"},
			Recommended: []string{"seniority", "question_count"},
			Numeric:     []string{"question_count"},
			TopicParam:  "position",
			Aliases:     map[string]string{"topic": "position"},
			Defaults:    map[string]any{"seniority": "mid", "question_count": 10},
			ParamPatterns: map[string]string{
				"position":       `\b(?:na\s+stanowisko|stanowisko|for\s+(?:an?\s+)?|position\s+(?:of\s+)?)\s*([\p{L}][^,]*?)\s*(?:,|$)`,
				"question_count": `(\d+)\s*(?:pyta\p{L}*|questions?)`,
			},
			Questions: map[string]map[string]string{
				"position":       q("Na jakie stanowisko?", "For which position?"),
				"seniority":      q("Jaki poziom? (junior, mid, senior, lead)", "Which level? (junior, mid, senior, lead)"),
				"question_count": q("Ile pytań przygotować?", "How many questions?"),
			},
			Capabilities: []Capability{
				{Capability: "hr.interview_questions", Category: "hr", TaskKind: "interview_questions"},
			},
		},
	}
}

// Builtin compiles the default catalog.
func Builtin() *Catalog {
	c, err := New(BuiltinTypes())
	if err != nil {
		panic("catalog: builtin: " + err.Error())
	}
	return c
}
