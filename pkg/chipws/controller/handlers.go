package controller

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/tsarna/chipws/pkg/chipws/dispatch"
	"github.com/tsarna/chipws/pkg/chipws/storage"
)

// Record type names reported in "_type".
const (
	TypeNodeInfo    = "chip.ChipDeviceCtrl.NodeInfo"
	TypeReadResult  = "chip.clusters.Attribute.ReadResult"
	TypeWriteResult = "chip.clusters.Attribute.AttributeWriteResult"
)

type nodeArgs struct {
	NodeID uint64 `json:"nodeid"`
}

type commissionArgs struct {
	SetupPayload string `json:"setupPayload"`
	NodeID       uint64 `json:"nodeid"`
	Label        string `json:"label"`
}

type readArgs struct {
	NodeID     uint64   `json:"nodeid"`
	Attributes []string `json:"attributes"`
}

type writeArgs struct {
	NodeID    uint64 `json:"nodeid"`
	Attribute string `json:"attribute"`
	Value     any    `json:"value"`
}

// Namespace returns the dispatch table for the controller.
func (c *Controller) Namespace() *dispatch.Namespace {
	return dispatch.NewNamespace(NamespaceName).
		WithState(func() int { return int(c.State()) }, StateLabels).
		MustRegister("GetFabricId", c.guard(dispatch.NoArgs(c.getFabricID))).
		MustRegister("GetNodes", c.guard(dispatch.NoArgs(c.getNodes))).
		MustRegister("GetNode", c.guard(dispatch.Method(c.getNode))).
		MustRegister("CommissionWithCode", c.guard(dispatch.Method(c.commissionWithCode))).
		MustRegister("ReadAttribute", c.guard(dispatch.Method(c.readAttribute))).
		MustRegister("WriteAttribute", c.guard(dispatch.Method(c.writeAttribute))).
		MustRegister("RemoveNode", c.guard(dispatch.Method(c.removeNode))).
		MustRegister("BleScan", c.guard(dispatch.NoArgs(c.bleScan))).
		MustRegister("CloseBLEConnection", c.guard(dispatch.NoArgs(c.closeBLEConnection)))
}

func (c *Controller) guard(h dispatch.Handler) dispatch.Handler {
	return func(ctx context.Context, args map[string]any) (dispatch.Result, error) {
		if err := c.checkOpen(); err != nil {
			return dispatch.Result{}, err
		}
		return h(ctx, args)
	}
}

func (c *Controller) getFabricID(context.Context) (dispatch.Result, error) {
	return dispatch.Immediate(c.fabricID), nil
}

func (c *Controller) getNodes(context.Context) (dispatch.Result, error) {
	nodes, err := c.store.Nodes()
	if err != nil {
		return dispatch.Result{}, err
	}
	return dispatch.Immediate(lo.Map(nodes, func(n storage.NodeRecord, _ int) any {
		return n.NodeID
	})), nil
}

func (c *Controller) getNode(_ context.Context, args nodeArgs) (dispatch.Result, error) {
	n, err := c.node(args.NodeID)
	if err != nil {
		return dispatch.Result{}, err
	}

	present := dispatch.TypeMap{}
	for _, cl := range clusters {
		if _, ok := n.Attributes[cl.Name]; ok {
			present[cl] = cl.ID
		}
	}

	return dispatch.Structured(TypeNodeInfo, map[string]any{
		"nodeId":         n.NodeID,
		"label":          n.Label,
		"vendorId":       n.VendorID,
		"productId":      n.ProductID,
		"commissionedAt": n.CommissionedAt.Format(time.RFC3339),
		"clusters":       present,
	}), nil
}

// commissionWithCode validates the code up front, then runs the rendezvous
// in the background and resolves to the new node id.
func (c *Controller) commissionWithCode(_ context.Context, args commissionArgs) (dispatch.Result, error) {
	if !validSetupCode(args.SetupPayload) {
		return dispatch.Result{}, dispatch.NewDomainError(ErrCodeInvalidSetupCode)
	}

	return dispatch.Async(c.executor, func() (dispatch.Result, error) {
		id, err := c.commission(args)
		if err != nil {
			return dispatch.Result{}, err
		}
		return dispatch.Immediate(id), nil
	}), nil
}

func (c *Controller) commission(args commissionArgs) (uint64, error) {
	if err := c.transition(StateRendezvousOngoing, StateIdle, StateBLEReady); err != nil {
		return 0, err
	}

	id, err := c.completeRendezvous(args)
	if err != nil {
		c.setState(StateIdle)
		return 0, err
	}

	c.setState(StateIdle)
	c.logger.Info("Commissioned node", zap.Uint64("node_id", id), zap.String("label", args.Label))
	return id, nil
}

func (c *Controller) completeRendezvous(args commissionArgs) (uint64, error) {
	if !c.sleep(c.commissionDelay) {
		return 0, dispatch.NewDomainError(ErrCodeNotInitialized)
	}
	c.setState(StateRendezvousConnected)

	id := args.NodeID
	if id == 0 {
		var err error
		if id, err = c.store.NextNodeID(); err != nil {
			return 0, err
		}
	}

	if !c.sleep(c.commissionDelay) {
		return 0, dispatch.NewDomainError(ErrCodeNotInitialized)
	}

	err := c.store.PutNode(storage.NodeRecord{
		NodeID:         id,
		Label:          args.Label,
		VendorID:       DefaultVendorID,
		ProductID:      DefaultProductID,
		CommissionedAt: time.Now().UTC(),
		Attributes:     c.initialAttributes(id, args.Label),
	})
	if err != nil {
		return 0, errors.Wrapf(err, "save node %d", id)
	}
	return id, nil
}

func (c *Controller) initialAttributes(id uint64, label string) map[string]map[string]any {
	root := make([]byte, 16)
	binary.BigEndian.PutUint64(root, c.fabricID)
	binary.BigEndian.PutUint64(root[8:], id)

	return map[string]map[string]any{
		BasicInformation.Name: {
			"VendorName":      "chipws",
			"VendorID":        uint64(DefaultVendorID),
			"ProductName":     "Simulated Light",
			"ProductID":       uint64(DefaultProductID),
			"NodeLabel":       label,
			"SoftwareVersion": uint64(1),
		},
		OnOff.Name:        {"OnOff": false},
		LevelControl.Name: {"CurrentLevel": nil},
		OperationalCredentials.Name: {
			"TrustedRootCertificates": [][]byte{root},
		},
	}
}

// readAttribute resolves to a record whose "attributes" mapping is keyed by
// cluster, then attribute. An empty attribute list reads everything.
func (c *Controller) readAttribute(_ context.Context, args readArgs) (dispatch.Result, error) {
	var wanted []*Attribute
	if len(args.Attributes) == 0 {
		wanted = attributes
	}
	for _, path := range args.Attributes {
		attrs, ok := lookupAttributes(path)
		if !ok {
			return dispatch.Result{}, errors.Wrapf(dispatch.NewDomainError(ErrCodeUnsupportedAttribute), "%q", path)
		}
		wanted = append(wanted, attrs...)
	}
	wanted = lo.Uniq(wanted)

	return dispatch.Async(c.executor, func() (dispatch.Result, error) {
		n, err := c.node(args.NodeID)
		if err != nil {
			return dispatch.Result{}, err
		}

		values := dispatch.TypeMap{}
		for _, attr := range wanted {
			raw, ok := n.Attributes[attr.Cluster][attr.Name]
			if !ok {
				continue
			}
			v, err := attr.normalize(raw)
			if err != nil {
				return dispatch.Result{}, errors.Wrapf(err, "stored value for node %d", n.NodeID)
			}

			cl, _ := clusterByName(attr.Cluster)
			byAttr, ok := values[cl].(dispatch.TypeMap)
			if !ok {
				byAttr = dispatch.TypeMap{}
				values[cl] = byAttr
			}
			byAttr[attr] = attr.wireValue(v)
		}

		return dispatch.Structured(TypeReadResult, map[string]any{
			"nodeId":     n.NodeID,
			"endpoint":   0,
			"attributes": values,
		}), nil
	}), nil
}

func (c *Controller) writeAttribute(_ context.Context, args writeArgs) (dispatch.Result, error) {
	attrs, ok := lookupAttributes(args.Attribute)
	if !ok || len(attrs) != 1 || attrs[0].Path() != args.Attribute {
		return dispatch.Result{}, errors.Wrapf(dispatch.NewDomainError(ErrCodeUnsupportedAttribute), "%q", args.Attribute)
	}
	attr := attrs[0]
	if !attr.Writable {
		return dispatch.Result{}, errors.Wrapf(dispatch.NewDomainError(ErrCodeUnsupportedWrite), "%s", attr.Path())
	}

	value, err := attr.normalize(args.Value)
	if err != nil {
		return dispatch.Result{}, errors.WithSecondaryError(dispatch.NewDomainError(ErrCodeConstraintError), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.node(args.NodeID)
	if err != nil {
		return dispatch.Result{}, err
	}
	if n.Attributes == nil {
		n.Attributes = make(map[string]map[string]any)
	}
	if n.Attributes[attr.Cluster] == nil {
		n.Attributes[attr.Cluster] = make(map[string]any)
	}
	n.Attributes[attr.Cluster][attr.Name] = value
	if attr.Path() == "BasicInformation.NodeLabel" {
		n.Label = value.(string)
	}

	if err := c.store.PutNode(n); err != nil {
		return dispatch.Result{}, err
	}

	return dispatch.Structured(TypeWriteResult, map[string]any{
		"nodeId": n.NodeID,
		"path":   attr.Path(),
		"status": 0,
	}), nil
}

func (c *Controller) removeNode(_ context.Context, args nodeArgs) (dispatch.Result, error) {
	err := c.store.DeleteNode(args.NodeID)
	if errors.Is(err, storage.ErrNodeNotFound) {
		return dispatch.Result{}, nodeNotFound(args.NodeID)
	}
	if err != nil {
		return dispatch.Result{}, err
	}
	c.logger.Info("Removed node", zap.Uint64("node_id", args.NodeID))
	return dispatch.Immediate(nil), nil
}

func (c *Controller) bleScan(context.Context) (dispatch.Result, error) {
	if err := c.transition(StateBLEReady, StateIdle, StateBLEReady); err != nil {
		return dispatch.Result{}, err
	}
	return dispatch.Immediate(nil), nil
}

func (c *Controller) closeBLEConnection(context.Context) (dispatch.Result, error) {
	if err := c.transition(StateIdle, StateIdle, StateBLEReady); err != nil {
		return dispatch.Result{}, err
	}
	return dispatch.Immediate(nil), nil
}
