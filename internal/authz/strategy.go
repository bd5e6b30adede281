package authz

// Strategy answers capability questions for one access level.
type Strategy interface {
	Level() Level
	CanPerform(action Action) bool
	AllowedActions() []Action
}

// viewerStrategy grants read access to task records.
type viewerStrategy struct{}

var viewerActions = NewActionSet(
	ResourceRead,
	ResourceList,
)

func (viewerStrategy) Level() Level                  { return Viewer }
func (viewerStrategy) CanPerform(action Action) bool { return viewerActions.Has(action) }
func (viewerStrategy) AllowedActions() []Action      { return viewerActions.Sorted() }

// managerStrategy manages task records and can look up users.
type managerStrategy struct{}

var managerActions = NewActionSet(
	ResourceRead,
	ResourceList,
	ResourceCreate,
	ResourceUpdate,
	ResourceDelete,
	UserRead,
	UserList,
)

func (managerStrategy) Level() Level                  { return Manager }
func (managerStrategy) CanPerform(action Action) bool { return managerActions.Has(action) }
func (managerStrategy) AllowedActions() []Action      { return managerActions.Sorted() }

// administratorStrategy can do everything, including user administration.
type administratorStrategy struct{}

var administratorActions = NewActionSet(
	ResourceRead,
	ResourceList,
	ResourceCreate,
	ResourceUpdate,
	ResourceDelete,
	UserRead,
	UserList,
	UserCreate,
	UserUpdate,
	UserDelete,
	UserChangeLevel,
	SystemAdmin,
)

func (administratorStrategy) Level() Level                  { return Administrator }
func (administratorStrategy) CanPerform(action Action) bool { return administratorActions.Has(action) }
func (administratorStrategy) AllowedActions() []Action      { return administratorActions.Sorted() }

// StaticStrategy grants a fixed set of actions to a level. Use it to build
// policies other than the default one.
type StaticStrategy struct {
	level   Level
	actions ActionSet
}

// NewStrategy returns a StaticStrategy for level with the given actions.
func NewStrategy(level Level, actions ...Action) *StaticStrategy {
	return &StaticStrategy{level: level, actions: NewActionSet(actions...)}
}

func (s *StaticStrategy) Level() Level                  { return s.level }
func (s *StaticStrategy) CanPerform(action Action) bool { return s.actions.Has(action) }
func (s *StaticStrategy) AllowedActions() []Action      { return s.actions.Sorted() }
