package conversation

import "strings"

// Prompts are the lines spoken by the loop and the floating assistant.
type Prompts struct {
	// Greeting may contain {page}; GreetingNoPage is used without one.
	Greeting       string
	GreetingNoPage string
	Instruction    string
	FollowUp       string
	Closing        string
	NotHeard       string
	NotCaught      string
	NoText         string
	ApplyFailed    string
}

func DefaultPrompts() Prompts {
	return Prompts{
		Greeting:       "Hi, I'm Lexi. I'm here to help you with {page}. What would you like to do?",
		GreetingNoPage: "Hi, I'm Lexi. How can I help you today?",
		Instruction:    "Processing complete. Do you want any more assistance? If yes, say your suggestion. If not, say no.",
		FollowUp:       "Do you want any more assistance? If yes, say your instruction.",
		Closing:        "Okay. If you need help later, just paste or upload new text.",
		NotHeard:       "I didn't hear anything. Do you want more help?",
		NotCaught:      "I didn't catch that. Do you want more help?",
		NoText:         "No text available to improve.",
		ApplyFailed:    "Sorry, I couldn't apply that instruction.",
	}
}

// Merge returns p with every non-empty field of o applied.
func (p Prompts) Merge(o Prompts) Prompts {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&p.Greeting, o.Greeting)
	set(&p.GreetingNoPage, o.GreetingNoPage)
	set(&p.Instruction, o.Instruction)
	set(&p.FollowUp, o.FollowUp)
	set(&p.Closing, o.Closing)
	set(&p.NotHeard, o.NotHeard)
	set(&p.NotCaught, o.NotCaught)
	set(&p.NoText, o.NoText)
	set(&p.ApplyFailed, o.ApplyFailed)
	return p
}

// GreetingFor fills the page name into the greeting. Page slugs read with
// spaces ("writing-assistant" -> "writing assistant").
func (p Prompts) GreetingFor(page string) string {
	page = strings.TrimSpace(strings.ReplaceAll(page, "-", " "))
	if page == "" {
		return p.GreetingNoPage
	}
	return strings.ReplaceAll(p.Greeting, "{page}", page)
}
