package director

import (
	"fmt"
	"strings"

	"worldsim/internal/game"
)

// buildExtractionPrompt is the user turn appended after the narration. It
// lists every registered mutation type with its tool description.
func buildExtractionPrompt() string {
	return fmt.Sprintf(`Based on the scene, what changes need to be made to the world state? Return a list of mutations that would update the world to match the scene.

<available_mutations>
%s
</available_mutations>

<guidelines>
- Be thorough. Derive information the scene implies but does not state: a character hunting for their magic staff is a magician, which becomes properties like "occupation: magician" and "magicExpertise: ice".
- Track each character's current goal, mood, exhaustion and anything else worth remembering.
- Track relations between characters with properties like "siblings: Amelia, Rosemary" or "mother: Hazel".
- Give new characters and locations unambiguous names relative to where we are. A garden found while in "Allison's House" is "Allison's Garden"; an oasis in "Whisperwood Forest" is "An Oasis in Whisperwood Forest".
- Never use setProperty for where a character is or who is present; use setCharacterLocation.
- Don't repeat property keys. Combine several values for one key into a single comma-separated value.
- If nothing changed, return an empty list.
</guidelines>`, describeTools())
}

func describeTools() string {
	var lines []string
	for _, t := range game.MutationTypes {
		tool, ok := GetTool(t)
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", tool.Name(), tool.Description()))
	}
	return strings.Join(lines, "\n")
}
