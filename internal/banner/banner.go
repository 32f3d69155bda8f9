package banner

import (
	"chatload/internal/tui/styles"

	"github.com/charmbracelet/lipgloss"
)

const ascii = `
       __          __  __                __
  ____/ /_  ____ _/ /_/ /___  ____ _____/ /
 / ___/ __ \/ __ '/ __/ / __ \/ __ '/ __  /
/ /__/ / / / /_/ / /_/ / /_/ / /_/ / /_/ /
\___/_/ /_/\__,_/\__/_/\____/\__,_/\__,_/ `

func GetString() string {
	renderer := lipgloss.DefaultRenderer()

	style := renderer.NewStyle().
		Foreground(styles.ColorBanner).
		Bold(true)

	return "\n" + style.Render(ascii) + "\n" +
		styles.Subtle.Render("  chat-completion load driver") + "\n"
}
