package order

// TransitionValidator decides which admin status changes are allowed.
type TransitionValidator interface {
	Allowed(from, to OrderStatus) bool
}

type TransitionFunc func(from, to OrderStatus) bool

func (f TransitionFunc) Allowed(from, to OrderStatus) bool { return f(from, to) }

// AnyTransition lets an admin move an order to any status.
var AnyTransition TransitionValidator = TransitionFunc(func(from, to OrderStatus) bool { return true })

var allowedTransitions = map[OrderStatus]map[OrderStatus]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusShipped:   true,
		StatusCancelled: true,
	},
	StatusShipped: {
		StatusDelivered: true,
	},
	StatusDelivered: {},
	StatusCancelled: {},
}

// GraphTransitions only allows forward moves along the fulfilment graph.
// Delivered and cancelled orders are terminal.
var GraphTransitions TransitionValidator = TransitionFunc(func(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	return allowedTransitions[from][to]
})
