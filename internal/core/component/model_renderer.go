package component

import "encoding/json"

const ModelRendererType = "ModelRenderer"

// ModelRenderer draws a model asset. It depends on the referenced model.
type ModelRenderer struct {
	Base `json:"-"`

	ModelAssetID  string `json:"modelAssetId"`
	AnimationID   string `json:"animationId"`
	CastShadow    bool   `json:"castShadow"`
	ReceiveShadow bool   `json:"receiveShadow"`
	Color         string `json:"color"`
}

var _ Config = (*ModelRenderer)(nil)

func NewModelRenderer() *ModelRenderer {
	return &ModelRenderer{Color: "ffffff"}
}

type SetModelArgs struct {
	AssetID string `json:"assetId"`
}

type SetAnimationArgs struct {
	AnimationID string `json:"animationId"`
}

var modelRendererProperties = Properties[*ModelRenderer]{
	"castShadow":    BoolField(func(c *ModelRenderer) *bool { return &c.CastShadow }),
	"receiveShadow": BoolField(func(c *ModelRenderer) *bool { return &c.ReceiveShadow }),
	"color":         ColorField(func(c *ModelRenderer) *string { return &c.Color }),
}

var modelRendererCommands = func() *Commands[*ModelRenderer] {
	c := NewCommands[*ModelRenderer](ModelRendererType)
	Handle(c, "setModel",
		func(m *ModelRenderer, args SetModelArgs) (SetModelArgs, error) {
			m.setModel(args.AssetID)
			return args, nil
		},
		func(m *ModelRenderer, res SetModelArgs) error {
			m.setModel(res.AssetID)
			return nil
		})
	Handle(c, "setAnimation",
		func(m *ModelRenderer, args SetAnimationArgs) (SetAnimationArgs, error) {
			m.AnimationID = args.AnimationID
			return args, nil
		},
		func(m *ModelRenderer, res SetAnimationArgs) error {
			m.AnimationID = res.AnimationID
			return nil
		})
	Handle(c, "setProperty", modelRendererProperties.Set, modelRendererProperties.Replay)
	return c
}()

func (m *ModelRenderer) Type() string { return ModelRendererType }

func (m *ModelRenderer) Dependencies() []string {
	if m.ModelAssetID == "" {
		return nil
	}
	return []string{m.ModelAssetID}
}

func (m *ModelRenderer) Restore() { m.EmitAdd(m.Dependencies()...) }

func (m *ModelRenderer) Destroy() { m.EmitRemove(m.Dependencies()...) }

func (m *ModelRenderer) ApplyCommand(name string, args json.RawMessage) (json.RawMessage, error) {
	return modelRendererCommands.Apply(m, name, args)
}

func (m *ModelRenderer) ApplyClientCommand(name string, result json.RawMessage) error {
	return modelRendererCommands.ApplyClient(m, name, result)
}

// setModel also drops the animation, which belonged to the previous model.
func (m *ModelRenderer) setModel(assetID string) {
	old := m.ModelAssetID
	m.ModelAssetID = assetID
	if old != assetID {
		m.AnimationID = ""
	}
	m.swapDependency(old, assetID)
}
