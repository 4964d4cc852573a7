package router

import (
	"fmt"
	"strings"

	"github.com/kalambet/meirobo/internal/engine"
	"github.com/kalambet/meirobo/internal/profile"
)

const systemPromptTemplate = `Você é um classificador de mensagens de WhatsApp enviadas a um pequeno negócio (MEI). Analise a mensagem do cliente e o resumo da conversa. Sua saída deve ser SOMENTE um objeto JSON válido que siga o schema fornecido, sem texto extra nem markdown.

Intenções:
- "pricing": o cliente quer saber preço ou valor de um serviço ou produto
- "scheduling": o cliente quer marcar, remarcar ou saber horários disponíveis
- "faq": pergunta operacional (endereço, formas de pagamento, funcionamento)
- "closing": o cliente está decidindo ou confirmando (fechar, reservar, pedir o link)
- "out_of_scope": pedidos fora do negócio, como orçamento de software sob medida ou favores pessoais
- "freeform": qualquer outra conversa sobre o negócio

Regras:
- Em "service", coloque o serviço ou produto citado, ou "" se nenhum.
- Marque need_acervo como true somente se a resposta depender de material do próprio negócio que não está no resumo.
- next_step: "SEND_LINK" quando convém enviar link de agendamento ou pagamento, "CTA" para convidar a fechar, "EXIT" para encerrar educadamente, "NONE" caso contrário.
- confidence vai de 0 a 1.`

// BuildPrompt constructs the chat messages for classification.
func BuildPrompt(message, summary string, p profile.TenantProfile) []engine.Message {
	var sb strings.Builder
	sb.WriteString(systemPromptTemplate)

	if len(p.Prices) > 0 {
		names := make([]string, len(p.Prices))
		for i, item := range p.Prices {
			names[i] = item.Name
		}
		fmt.Fprintf(&sb, "\n\n[Serviços do negócio]\n%s", strings.Join(names, ", "))
	}
	if len(p.FAQ) > 0 {
		qs := make([]string, len(p.FAQ))
		for i, f := range p.FAQ {
			qs[i] = f.Question
		}
		fmt.Fprintf(&sb, "\n\n[Perguntas frequentes já respondidas]\n%s", strings.Join(qs, "\n"))
	}
	if summary != "" {
		fmt.Fprintf(&sb, "\n\n[Resumo da conversa]\n%s", summary)
	}

	return []engine.Message{
		{Role: engine.RoleSystem, Content: sb.String()},
		{Role: engine.RoleUser, Content: message},
	}
}

// routeSchema returns the JSON schema for structured classification output.
func routeSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"intent":      {Type: "string", Description: "Classified intent", Enum: Intents},
			"service":     {Type: "string", Description: "Service or product mentioned, or empty"},
			"need_acervo": {Type: "boolean", Description: "Whether the tenant's documents are needed"},
			"next_step":   {Type: "string", Description: "Conversation step to take", Enum: []string{"NONE", NextSendLink, NextCTA, NextExit}},
			"confidence":  {Type: "number", Description: "Confidence between 0 and 1"},
		},
		Required: []string{"intent", "service", "need_acervo", "next_step", "confidence"},
	}
}
