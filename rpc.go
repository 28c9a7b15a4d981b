package sockrouter

import "context"

// checkIncompleteRPC fires the incomplete-RPC diagnostic when an RPC
// handler returned without committing a terminal response. It never emits
// a wire frame itself — only a hook/log-level diagnostic.
func (r *Router) checkIncompleteRPC(ctx context.Context, c *Ctx) {
	if !c.isRPC {
		return
	}
	if c.terminal.Load() {
		return
	}
	if !r.limits.warnIncompleteRPC() {
		return
	}
	r.hooks.fireIncompleteRPC(ctx, c.msgType, c.correlationID)
	r.logger.warnIncompleteRPC(c.msgType, c.correlationID)
}
