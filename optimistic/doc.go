// Package optimistic applies provisional cache writes ahead of server
// confirmation.
//
// Controller.Update snapshots the entry, writes the projected data marked
// optimistic, awaits the caller's commit and then stores the authoritative
// result or restores the snapshot. Views observing the key see the
// provisional state and then exactly one resolution: committed data, or the
// restored data together with the failure.
//
//	ctrl := optimistic.New(orch)
//	_, err := ctrl.Update(ctx, key, append(rows, draft), func(ctx context.Context) (any, error) {
//		return orch.Execute(ctx, fetch.Request{Method: "POST", Endpoint: "/rest/v1/experiments", Body: draft})
//	})
package optimistic
