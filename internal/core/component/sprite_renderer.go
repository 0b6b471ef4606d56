package component

import "encoding/json"

const SpriteRendererType = "SpriteRenderer"

type SpriteRenderer struct {
	Base `json:"-"`

	SpriteAssetID  string  `json:"spriteAssetId"`
	AnimationID    string  `json:"animationId"`
	HorizontalFlip bool    `json:"horizontalFlip"`
	VerticalFlip   bool    `json:"verticalFlip"`
	Opacity        float64 `json:"opacity"`
}

var _ Config = (*SpriteRenderer)(nil)

func NewSpriteRenderer() *SpriteRenderer {
	return &SpriteRenderer{Opacity: 1}
}

type SetSpriteArgs struct {
	AssetID string `json:"assetId"`
}

var spriteRendererProperties = Properties[*SpriteRenderer]{
	"horizontalFlip": BoolField(func(c *SpriteRenderer) *bool { return &c.HorizontalFlip }),
	"verticalFlip":   BoolField(func(c *SpriteRenderer) *bool { return &c.VerticalFlip }),
	"opacity":        FloatField(func(c *SpriteRenderer) *float64 { return &c.Opacity }, 0, 1),
}

var spriteRendererCommands = func() *Commands[*SpriteRenderer] {
	c := NewCommands[*SpriteRenderer](SpriteRendererType)
	Handle(c, "setSprite",
		func(s *SpriteRenderer, args SetSpriteArgs) (SetSpriteArgs, error) {
			s.setSprite(args.AssetID)
			return args, nil
		},
		func(s *SpriteRenderer, res SetSpriteArgs) error {
			s.setSprite(res.AssetID)
			return nil
		})
	Handle(c, "setAnimation",
		func(s *SpriteRenderer, args SetAnimationArgs) (SetAnimationArgs, error) {
			s.AnimationID = args.AnimationID
			return args, nil
		},
		func(s *SpriteRenderer, res SetAnimationArgs) error {
			s.AnimationID = res.AnimationID
			return nil
		})
	Handle(c, "setProperty", spriteRendererProperties.Set, spriteRendererProperties.Replay)
	return c
}()

func (s *SpriteRenderer) Type() string { return SpriteRendererType }

func (s *SpriteRenderer) Dependencies() []string {
	if s.SpriteAssetID == "" {
		return nil
	}
	return []string{s.SpriteAssetID}
}

func (s *SpriteRenderer) Restore() { s.EmitAdd(s.Dependencies()...) }

func (s *SpriteRenderer) Destroy() { s.EmitRemove(s.Dependencies()...) }

func (s *SpriteRenderer) ApplyCommand(name string, args json.RawMessage) (json.RawMessage, error) {
	return spriteRendererCommands.Apply(s, name, args)
}

func (s *SpriteRenderer) ApplyClientCommand(name string, result json.RawMessage) error {
	return spriteRendererCommands.ApplyClient(s, name, result)
}

func (s *SpriteRenderer) setSprite(assetID string) {
	old := s.SpriteAssetID
	s.SpriteAssetID = assetID
	if old != assetID {
		s.AnimationID = ""
	}
	s.swapDependency(old, assetID)
}
