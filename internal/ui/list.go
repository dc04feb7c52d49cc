package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	"github.com/desertthunder/libsync/internal/formatter"
	"github.com/desertthunder/libsync/internal/models"
)

var _ list.Item = resourceItem{}

// resourceItem wraps [models.SyncState] to implement [list.Item].
type resourceItem struct {
	state *models.SyncState
}

func (i resourceItem) FilterValue() string { return i.state.Resource }
func (i resourceItem) Title() string {
	return fmt.Sprintf("%s  %s", i.state.Resource, styles.Status(string(i.state.Status)).Render(string(i.state.Status)))
}

func (i resourceItem) Description() string {
	desc := fmt.Sprintf("offset %d • last success %s", i.state.Cursor.Offset, formatter.FormatTime(i.state.LastSuccessAt))
	if i.state.Status == models.SyncBackoff {
		desc = fmt.Sprintf("%s • retry after %s", desc, formatter.FormatTime(i.state.RetryAfterAt))
	}
	if i.state.LastErrorCode != "" {
		desc = fmt.Sprintf("%s • %s", desc, i.state.LastErrorCode)
	}
	return desc
}

func resourceItems(states []*models.SyncState) []list.Item {
	items := make([]list.Item, len(states))
	for i, s := range states {
		items[i] = resourceItem{state: s}
	}
	return items
}
