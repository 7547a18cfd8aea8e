// Package prompt implements operator prompt sinks and terminal rendering.
//
// Console asks through a huh select form; Scripted replays a fixed list of
// answers. Printer is a notification sink that renders progress and
// verification reports with lipgloss.
package prompt
