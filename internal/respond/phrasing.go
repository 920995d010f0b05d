package respond

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

var cannedReplies = []string{
	"I'm sorry, I don't have information about that topic in my training documents. Could you try asking something else?",
	"I don't have enough information in my training data to answer that question accurately.",
	"Could you please rephrase your question? I want to make sure I understand what you're asking based on my training materials.",
	"I'm not sure about that based on my training documents. Is there anything else I can help you with?",
}

var contextualTemplates = []string{
	"Based on my training documents: %s",
	"According to the information in my training data: %s",
	"From my training materials: %s",
	"Based on the documents I've been trained on: %s",
	"%s",
}

func (s *Selector) pick(options []string) string {
	return options[s.intn(len(options))]
}

// canned is the no-information reply. With topic suggestions enabled it
// lists the opening passages of the store instead.
func (s *Selector) canned(in Input) string {
	if s.suggest && in.Neighbors != nil {
		var topics []string
		for i := 0; i < 3; i++ {
			p, ok := in.Neighbors.Passage(i)
			if !ok {
				break
			}
			p = stripPrefix(strings.TrimSpace(p))
			if utf8.RuneCountInString(p) > 30 {
				topics = append(topics, truncateRunes(p, 60)+"...")
			}
		}
		if len(topics) > 0 {
			return fmt.Sprintf("I have training data but couldn't find a good match for your question. "+
				"I can help with topics like: %s. Could you try rephrasing your question?", strings.Join(topics, " | "))
		}
	}
	return s.pick(cannedReplies)
}

func (s *Selector) contextual(content string) string {
	return fmt.Sprintf(s.pick(contextualTemplates), content)
}

// rephrase acknowledges the topic of a stored question instead of echoing it.
func (s *Selector) rephrase(question string, similarity float64) string {
	bare := strings.TrimRight(question, "?")
	if similarity > s.th.Rephrase {
		return fmt.Sprintf("I found information highly relevant to your question about %s. "+
			"Let me provide what I know about this topic.", strings.ToLower(bare))
	}

	lower := strings.ToLower(bare)
	switch {
	case strings.HasPrefix(lower, "what is "):
		topic := strings.TrimSpace(bare[len("what is "):])
		return fmt.Sprintf("You're asking about %s. Based on my training, this relates to the information I have about %s.", topic, topic)
	case strings.HasPrefix(lower, "how "):
		return fmt.Sprintf("Regarding how %s, I have information about this topic in my training data.", strings.TrimSpace(bare[len("how "):]))
	case strings.HasPrefix(lower, "why "):
		return fmt.Sprintf("Concerning why %s, this is covered in my training materials.", strings.TrimSpace(bare[len("why "):]))
	default:
		return fmt.Sprintf("You're asking about: %s. I have related information about this topic.", bare)
	}
}

type role struct {
	phrases []string
	context string
}

// roleFor derives the assistant's voice from its system prompt.
func roleFor(persona string) role {
	padded := " " + strings.Join(words(persona), " ") + " "
	switch {
	case hasAny(padded, "customer support"):
		return role{
			phrases: []string{
				"I'm here to help you as your customer support assistant.",
				"As a customer support representative, I'm ready to assist you.",
				"I'm your customer support chatbot, how can I help you today?",
			},
			context: "I can help with product questions, troubleshooting, orders, and general support.",
		}
	case hasAny(padded, "technical"):
		return role{
			phrases: []string{
				"I'm here to provide technical assistance.",
				"As a technical assistant, I'm ready to help with your questions.",
				"I can help you with technical questions and guidance.",
			},
			context: "I can provide technical guidance, troubleshooting steps, and documentation help.",
		}
	case hasAny(padded, "sales"):
		return role{
			phrases: []string{
				"I'm here to help with your purchase decisions.",
				"As a sales assistant, I can help you find what you need.",
				"I'm ready to assist with product information and sales.",
			},
			context: "I can help with product information, pricing, and purchase decisions.",
		}
	case hasAny(padded, "platform") && hasAny(padded, "chatbot", "chatbots"):
		return role{
			phrases: []string{
				"I'm the Platform Assistant, here to help you with owlbee.",
				"As your Platform Assistant, I can guide you through creating and managing chatbots.",
				"I'm here to help you make the most of owlbee.",
			},
			context: "I can help with creating chatbots, uploading documents, training, embedding, and platform features.",
		}
	}

	first, _, _ := strings.Cut(strings.TrimSpace(persona), ".")
	first = strings.TrimSpace(first)
	return role{
		phrases: []string{
			first + ". How can I help you?",
			"I'm here to assist you. " + first + ".",
			first + ". What would you like to know?",
		},
		context: "I'm ready to help with questions related to my role.",
	}
}

// Persona answers a message in character, without document content.
func (s *Selector) Persona(persona, message string) string {
	r := roleFor(persona)
	voice := s.pick(r.phrases)
	msg := " " + strings.Join(words(message), " ") + " "

	switch {
	case hasAny(msg, "hello", "hi", "hey", "good morning", "good afternoon"):
		return fmt.Sprintf("Hello! %s %s", voice, r.context)
	case hasAny(msg, "what can you do", "what do you do", "capabilities"):
		return fmt.Sprintf("%s %s Feel free to ask me anything related to my role!", voice, r.context)
	case hasAny(msg, "help", "support", "assist"):
		return fmt.Sprintf("%s %s What specific area would you like help with?", voice, r.context)
	case hasAny(msg, "what is", "what are"):
		return fmt.Sprintf("I'd be happy to explain that for you. %s Could you provide more specific details about what you'd like to know?", voice)
	case hasAny(msg, "how do", "how to", "how can"):
		return fmt.Sprintf("I can help guide you through that process. %s Could you tell me more specifically what you're trying to accomplish?", voice)
	case hasAny(msg, "why"):
		return fmt.Sprintf("That's a great question! %s Could you provide more context so I can give you a helpful explanation?", voice)
	case hasAny(msg, "what", "how", "when", "where", "who"):
		return fmt.Sprintf("I'd be happy to help answer that question. %s Could you provide more specific details about what you're looking for?", voice)
	case hasAny(msg, "thank", "thanks", "thank you"):
		return fmt.Sprintf("You're welcome! %s Is there anything else I can help you with?", voice)
	default:
		return fmt.Sprintf("%s %s Could you tell me more about what you need help with?", voice, r.context)
	}
}

// words lowercases text and splits it on anything that is not a letter or
// digit.
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// hasAny reports whether the space-padded word string contains one of the
// phrases as whole words.
func hasAny(padded string, phrases ...string) bool {
	for _, p := range phrases {
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
