package extraction

// Example is a few-shot example forwarded to the engine to bootstrap
// extraction behavior for the target domain.
type Example struct {
	Text        string       `json:"text"`
	Extractions []Extraction `json:"extractions"`
}

// Task bundles the prompt description and few-shot examples that define
// what the engine should extract. The gateway treats it as opaque
// configuration and forwards it with every engine call.
type Task struct {
	Prompt   string    `json:"prompt_description"`
	Examples []Example `json:"examples,omitempty"`
}

// DefaultTask returns the medication-domain task used when no custom
// task is configured. Adjust for your own domain.
func DefaultTask() Task {
	return Task{
		Prompt: "Extract medications, dosages, frequencies, durations, and conditions in" +
			" the order they appear. Use exact text spans.",
		Examples: []Example{
			{
				Text: "Patient was given 250 mg IV Cefazolin TID for one week.",
				Extractions: []Extraction{
					{Class: "dosage", Text: "250 mg"},
					{Class: "route", Text: "IV"},
					{Class: "medication", Text: "Cefazolin"},
					{Class: "frequency", Text: "TID"},
					{Class: "duration", Text: "one week"},
				},
			},
		},
	}
}
