package nested

import (
	"strings"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// Include builds the include tree the real write needs so that every
// nested record with an after state comes back in its result.
func Include(ops []model.NestedOperation) model.Include {
	inc := model.Include{}
	for _, op := range ops {
		switch op.Kind {
		case model.OpDelete, model.OpDeleteMany, model.OpConnect:
			continue
		}
		cur := inc
		for _, seg := range strings.Split(op.Path, ".") {
			next, ok := cur[seg]
			if !ok || next == nil {
				next = model.Include{}
				cur[seg] = next
			}
			cur = next
		}
	}
	if len(inc) == 0 {
		return nil
	}
	return inc
}
