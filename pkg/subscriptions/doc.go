/*
Package subscriptions manages the plan subscriptions of sites and places.

A subscription is ACTIVE, CANCELLED or EXPIRED. Cancel keeps the plan in
force until the last millisecond of the current month; Resume makes it
ACTIVE again until the first day of next month; the expiry sweep moves
every overdue ACTIVE or CANCELLED row to EXPIRED.

# Transitions

Lifecycle applies transitions with conditional writes: the row is only
updated if it still holds the status (and plan) that was read. A lost race
is retried, and a transition whose precondition no longer holds fails with
*InvalidTransitionError (HTTP 409).

	result, err := lifecycle.Cancel(ctx, entitlements.ScopeSite, subID, actorID, "closing shop")
	if err != nil {
		return err
	}
	dispatcher.Dispatch(ctx, result.Intents)

Transitions never write history or event logs themselves. They return
intents, and the Dispatcher performs them, logging and counting failures
without surfacing them to the caller.

# Entitlements

GetEntitlements resolves the capabilities granted by the owner's effective
subscription, or the lowest tier of the scope when nothing is in force.

# Expiry

Sweeper runs Lifecycle.Expire on a cron schedule. With a Locker configured
only one replica sweeps per tick; the others count a contended run and
skip.
*/
package subscriptions
