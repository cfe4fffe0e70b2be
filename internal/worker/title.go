package worker

import (
	"fmt"

	"github.com/turtacn/Cohort/pkg/consts"
)

// processTitle renders "<role> worker <index>: <master-id> [<tag>]".
func processTitle(index, masterID int, tag string) string {
	title := fmt.Sprintf("%s worker %d: %d", consts.ProcessTitleRole, index, masterID)
	if tag != "" {
		title += " [" + tag + "]"
	}
	return title
}

// Personal.AI order the ending
