package prompt

import "strings"

type template struct {
	contextOpen   string
	contextClose  string
	groundingRule string
	audience      map[Origin]string
	task          string // count, type label, topic
	subject       string
	difficulty    string
	format        string
	rules         string
	explanations  string
	types         map[string]string
}

func (t template) typeLabel(questionType string) string {
	if l, ok := t.types[questionType]; ok {
		return l
	}
	return t.types[TypeMultipleChoice]
}

var spanish = template{
	contextOpen:   "=== CONTEXTO ===",
	contextClose:  "=== FIN DEL CONTEXTO ===",
	groundingRule: "Basa las preguntas en el material del contexto anterior. No inventes datos que no aparezcan en él.",
	audience: map[Origin]string{
		OriginStudent: "Eres un profesor universitario que prepara preguntas de práctica para un estudiante.",
		OriginManager: "Eres un profesor universitario que prepara preguntas de examen para el banco de preguntas de la asignatura.",
	},
	task:       "Genera %d preguntas %s sobre el tema \"%s\"",
	subject:    " de la asignatura %s",
	difficulty: "Nivel de dificultad: %s.",
	format:     "Responde únicamente con un objeto JSON con esta forma:",
	rules: strings.Join([]string{
		"- \"answer\" es el índice (empezando en 0) de la opción correcta dentro de \"choices\".",
		"- Las preguntas de opción múltiple tienen al menos dos opciones y exactamente una correcta.",
		"- Para preguntas de verdadero o falso usa \"type\": \"true_false\", omite \"choices\" y usa \"answer\": 0 si es verdadera o 1 si es falsa.",
		"- No añadas texto fuera del JSON.",
	}, "\n"),
	explanations: "- Incluye en \"explanation\" una explicación breve de por qué la respuesta es correcta.",
	types: map[string]string{
		TypeMultipleChoice: "de opción múltiple",
		TypeTrueFalse:      "de verdadero o falso",
		TypeMixed:          "de opción múltiple o de verdadero o falso",
	},
}

var english = template{
	contextOpen:   "=== CONTEXT ===",
	contextClose:  "=== END OF CONTEXT ===",
	groundingRule: "Base the questions on the material in the context above. Do not invent facts that do not appear in it.",
	audience: map[Origin]string{
		OriginStudent: "You are a university lecturer preparing practice questions for a student.",
		OriginManager: "You are a university lecturer preparing exam questions for the course question bank.",
	},
	task:       "Generate %d %s questions about the topic \"%s\"",
	subject:    " for the course %s",
	difficulty: "Difficulty level: %s.",
	format:     "Reply only with a JSON object of this shape:",
	rules: strings.Join([]string{
		"- \"answer\" is the zero-based index of the correct option in \"choices\".",
		"- Multiple-choice questions have at least two options and exactly one correct answer.",
		"- For true/false questions use \"type\": \"true_false\", omit \"choices\" and set \"answer\": 0 when true or 1 when false.",
		"- Do not add any text outside the JSON.",
	}, "\n"),
	explanations: "- Put a short explanation of why the answer is correct in \"explanation\".",
	types: map[string]string{
		TypeMultipleChoice: "multiple-choice",
		TypeTrueFalse:      "true/false",
		TypeMixed:          "multiple-choice or true/false",
	},
}

// templateFor returns the template for a language code; Spanish is the
// default.
func templateFor(lang string) template {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "en", "english", "inglés", "ingles":
		return english
	default:
		return spanish
	}
}
