package protocol

// Tag 消息类型标识，作为每条消息的 uint16 前缀
type Tag uint16

const (
	TagInput Tag = iota + 1
	TagState
	TagJoinRequest
	TagJoinResponse
	TagLeftRequest
	TagLeftResponse
)

// Message 所有可传输消息；Tag 必须使用值接收者
type Message interface {
	Tag() Tag
}

// InputMessage 客户端 → 服务端：实体的移动意图
type InputMessage struct {
	EntityID int32
	Value    Vec2
}

// StateMessage 服务端 → 客户端：权威位置与速度快照
type StateMessage struct {
	ID          int32
	NewPosition Vec2
	NewVelocity Vec2
}

// JoinRequest 客户端请求进入世界
type JoinRequest struct {
	Name string
}

// JoinResponse 广播新玩家的初始数据
type JoinResponse struct {
	NetID    int32
	Name     string
	Position Vec2
	Tint     Color
}

type LeftRequest struct{}

// LeftResponse 广播离开的玩家
type LeftResponse struct {
	NetID int32
}

func (InputMessage) Tag() Tag { return TagInput }
func (StateMessage) Tag() Tag { return TagState }
func (JoinRequest) Tag() Tag  { return TagJoinRequest }
func (JoinResponse) Tag() Tag { return TagJoinResponse }
func (LeftRequest) Tag() Tag  { return TagLeftRequest }
func (LeftResponse) Tag() Tag { return TagLeftResponse }

// AllTags 双端必须全部注册的消息
var AllTags = []Tag{TagInput, TagState, TagJoinRequest, TagJoinResponse, TagLeftRequest, TagLeftResponse}

// RegisterMessages 显式注册全部消息编解码；客户端与服务端调用同一函数保证一致
func RegisterMessages(r *Registry) error {
	steps := []error{
		Register(r, "InputMessage",
			func(w *Writer, m InputMessage) {
				w.PutInt32(m.EntityID)
				w.PutVec2(m.Value)
			},
			func(rd *Reader) InputMessage {
				return InputMessage{EntityID: rd.Int32(), Value: rd.Vec2()}
			}),
		Register(r, "StateMessage",
			func(w *Writer, m StateMessage) {
				w.PutInt32(m.ID)
				w.PutVec2(m.NewPosition)
				w.PutVec2(m.NewVelocity)
			},
			func(rd *Reader) StateMessage {
				m := StateMessage{ID: rd.Int32()}
				m.NewPosition = rd.Vec2()
				m.NewVelocity = rd.Vec2()
				return m
			}),
		Register(r, "JoinRequest",
			func(w *Writer, m JoinRequest) { w.PutText(m.Name) },
			func(rd *Reader) JoinRequest { return JoinRequest{Name: rd.Text()} }),
		Register(r, "JoinResponse",
			func(w *Writer, m JoinResponse) {
				w.PutInt32(m.NetID)
				w.PutText(m.Name)
				w.PutVec2(m.Position)
				w.PutColor(m.Tint)
			},
			func(rd *Reader) JoinResponse {
				m := JoinResponse{NetID: rd.Int32()}
				m.Name = rd.Text()
				m.Position = rd.Vec2()
				m.Tint = rd.Color()
				return m
			}),
		Register(r, "LeftRequest",
			func(*Writer, LeftRequest) {},
			func(*Reader) LeftRequest { return LeftRequest{} }),
		Register(r, "LeftResponse",
			func(w *Writer, m LeftResponse) { w.PutInt32(m.NetID) },
			func(rd *Reader) LeftResponse { return LeftResponse{NetID: rd.Int32()} }),
	}
	for _, err := range steps {
		if err != nil {
			return err
		}
	}
	return nil
}

// NewDefaultRegistry 注册全部消息、校验完整性并封存
func NewDefaultRegistry(maxString int) (*Registry, error) {
	r := NewRegistry(maxString)
	if err := RegisterMessages(r); err != nil {
		return nil, err
	}
	if err := r.Require(AllTags...); err != nil {
		return nil, err
	}
	r.Seal()
	return r, nil
}
