package bridge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aivalabs/aiva-bridge/internal/mgmt"
	"github.com/aivalabs/aiva-bridge/internal/sidechannel"
)

// composeInstructions assembles the system prompt for one call: who is
// calling, any context the dialplan attached, the agent's own instructions,
// and the standing guardrails. The caller block comes first so the model
// greets by name without being told to.
func composeInstructions(agent *mgmt.AgentConfig, md *sidechannel.CallMetadata) string {
	var b strings.Builder

	name := md.CallerName
	if name == "" {
		name = "an unidentified caller"
	}
	fmt.Fprintf(&b, "You are on a phone call with %s (number %s).\n", name, md.CallerID)

	if len(md.CustomData) > 0 {
		b.WriteString("\nCall context:\n")
		keys := make([]string, 0, len(md.CustomData))
		for k := range md.CustomData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, md.CustomData[k])
		}
	}

	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(agent.Instructions))

	b.WriteString("\n\nIf the caller asks about topics outside your role, briefly steer the conversation back to what you can help with.")
	b.WriteString("\nIf the caller asks for a human, or you cannot resolve their request, call the transfer_to_agent function with the appropriate queue name.")
	return b.String()
}
