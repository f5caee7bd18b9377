// Package render turns stage outputs into artifact files.
//
// Layout is delegated: Command pipes a JSON Request to the configured
// render_command on stdin and expects the file at Request.OutputPath.
// Mermaid writes mind map source directly as a .mmd file. Mux routes each
// Kind to its renderer.
package render
