package gemini

import "google.golang.org/genai"

// DecideSystemInstruction frames every decision request. The bot's own
// prompt template carries the persona and the chat history.
const DecideSystemInstruction = `You are the reply engine of a Telegram bot. Read the conversation and decide what to do next.

Respond with a single JSON object with these fields:
- "analysis": a short explanation of your reasoning.
- "action": the action to take.
- "action_input": the payload of that action.

Actions:
- "reply": answer the user. action_input is {"message": "<text to send>"}.
- "product_search": look something up in the product catalog before answering. action_input is {"query": "<what to look for>"}.

[CRITICAL] Do not repeat the "User:", "Bot:" or "Time:" prefixes of the history in your message.`

// ForcedReplyInstruction is appended when the pipeline requires the terminal
// reply action.
const ForcedReplyInstruction = `

You have already searched the product catalog and its result is part of the prompt. You MUST now use the "reply" action.`

// LookupSystemInstruction frames catalog lookups.
const LookupSystemInstruction = `You answer questions using only the product catalog below. If the catalog does not contain the answer, say so plainly.

Respond with a single JSON object with these fields:
- "analysis": which catalog entries are relevant and why.
- "answer": the answer to the query, suitable to be quoted to a customer.

Product catalog:
%s`

// EmptyCatalogAnswer is returned without calling the model when a bot has no
// product catalog configured.
const EmptyCatalogAnswer = "No product catalog is configured for this bot."

func replyInputSchema() *genai.Schema {
	return &genai.Schema{
		Type:        genai.TypeObject,
		Description: "Payload of the reply action.",
		Properties: map[string]*genai.Schema{
			"message": {Type: genai.TypeString, Description: "The message to send to the chat."},
		},
		Required: []string{"message"},
	}
}

// decisionSchema describes the structured result for a shape. Gemini's schema
// subset has no oneOf, so the action payload carries both optional fields
// and ParseDecision enforces the pairing.
func decisionSchema(shape Shape) *genai.Schema {
	actions := []string{string(ActionReply), string(ActionProductSearch)}
	input := &genai.Schema{
		Type:        genai.TypeObject,
		Description: "Payload of the chosen action.",
		Properties: map[string]*genai.Schema{
			"message": {Type: genai.TypeString, Description: "For reply: the message to send to the chat."},
			"query":   {Type: genai.TypeString, Description: "For product_search: what to look for in the catalog."},
		},
	}
	if shape == ShapeReply {
		actions = []string{string(ActionReply)}
		input = replyInputSchema()
	}

	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"analysis":     {Type: genai.TypeString, Description: "Short reasoning behind the decision."},
			"action":       {Type: genai.TypeString, Enum: actions, Description: "The action to take."},
			"action_input": input,
		},
		Required:         []string{"analysis", "action", "action_input"},
		PropertyOrdering: []string{"analysis", "action", "action_input"},
	}
}

var lookupSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"analysis": {Type: genai.TypeString, Description: "Which catalog entries are relevant."},
		"answer":   {Type: genai.TypeString, Description: "The answer to the query."},
	},
	Required:         []string{"analysis", "answer"},
	PropertyOrdering: []string{"analysis", "answer"},
}
