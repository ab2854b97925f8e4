package billing

type State uint8

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Operation names a session operation. OperationNone marks an idle
// single-flight guard.
type Operation uint8

const (
	OperationNone Operation = iota
	OperationConnect
	OperationPurchase
	OperationQueryInventory
	OperationConsume
	OperationConsumeAll
)

func (o Operation) String() string {
	switch o {
	case OperationNone:
		return "none"
	case OperationConnect:
		return "connect"
	case OperationPurchase:
		return "purchase"
	case OperationQueryInventory:
		return "query_inventory"
	case OperationConsume:
		return "consume"
	case OperationConsumeAll:
		return "consume_all"
	default:
		return "unknown"
	}
}
