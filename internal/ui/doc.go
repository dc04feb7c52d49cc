// Package ui renders sync status in the terminal.
//
// Static output ([RenderReport], [RenderProgress]) is built from lipgloss styles and tables and is safe to pipe.
// Two interactive bubbletea programs sit on top of it:
//  1. [Dashboard] : Browse per-resource sync state, inspect jobs, queue a sync, auto-refresh
//  2. [Progress] : Follow a single foreground sync run as the engine reports pages and batches
//
// Both follow bubbletea's Init/Update/View pattern. Data flows in through commands that return messages,
// so the models never block the render loop.
package ui
