package policy

import "fmt"

// System is the loaded capability declaration set: the atoms, mixins,
// tool groups, and named profiles a daemon instance resolves against.
// It is populated once at startup from
// lib/capabilities/ksi_capabilities.yaml and is safe for concurrent
// read-only use by Resolve; it is shared by reference so profiles
// using the "all" special form always see the current universe of
// registered atoms.
type System struct {
	Atoms      map[string]Atom
	Mixins     map[string]Mixin
	ToolGroups map[string]ToolGroup
	Profiles   map[string]CapabilityProfile
}

// NewSystem constructs an empty System; callers populate it via Load or
// by assigning directly after parsing the capability YAML file.
func NewSystem() *System {
	return &System{
		Atoms:      map[string]Atom{},
		Mixins:     map[string]Mixin{},
		ToolGroups: map[string]ToolGroup{},
		Profiles:   map[string]CapabilityProfile{},
	}
}

// ConvertLegacyTier maps a legacy permission tier name onto the
// structured profile it should resolve against at the resolver
// boundary. Unknown names pass through unchanged so a caller using
// an already-structured profile name still resolves.
func ConvertLegacyTier(name string) Profile {
	if p, ok := LegacyTierMapping[normalizeName(name)]; ok {
		return p
	}
	return Profile(name)
}

// resolveState tracks the visited-set across one Resolve call so
// extends/mixin cycles are detected rather than looping forever.
type resolveState struct {
	events  map[string]bool
	tools   map[string]bool
	caps    map[string]bool
	visited map[string]bool // profile/mixin names currently on the path
	warnings []string
}

// Resolve expands profileName into its concrete event/tool surface. A
// cycle in extends or mixin dependencies is broken with a recorded
// warning and an empty contribution from the cyclic member, rather
// than failing the whole resolution.
func (s *System) Resolve(profileName string) (Resolved, error) {
	st := &resolveState{
		events:  map[string]bool{},
		tools:   map[string]bool{},
		caps:    map[string]bool{},
		visited: map[string]bool{},
	}
	if err := s.resolveProfile(profileName, st); err != nil {
		return Resolved{}, err
	}
	return Resolved{
		AllowedEvents:        sortedKeys(st.events),
		AllowedTools:         sortedKeys(st.tools),
		ExpandedCapabilities: sortedKeys(st.caps),
		ProfileName:          profileName,
	}, nil
}

// ResolveRequirement expands an ad hoc requirement expression instead
// of a pre-declared profile.
func (s *System) ResolveRequirement(req Requirement) (Resolved, error) {
	st := &resolveState{
		events:  map[string]bool{},
		tools:   map[string]bool{},
		caps:    map[string]bool{},
		visited: map[string]bool{},
	}
	if req.Profile != "" {
		if err := s.resolveProfile(req.Profile, st); err != nil {
			return Resolved{}, err
		}
	}
	switch req.All {
	case "atoms":
		for name := range s.Atoms {
			s.addAtom(name, st)
		}
	case "tool_groups":
		for name := range s.ToolGroups {
			s.addToolGroup(name, st)
		}
	}
	for _, a := range req.Atoms {
		s.addAtom(a, st)
	}
	for _, m := range req.Mixins {
		s.resolveMixin(m, st)
	}
	for _, g := range req.ToolGroups {
		s.addToolGroup(g, st)
	}
	for _, ex := range req.Exclude {
		delete(st.events, normalizeName(ex))
		delete(st.tools, normalizeName(ex))
		for name, atom := range s.Atoms {
			if normalizeName(name) == normalizeName(ex) {
				for _, e := range atom.Events {
					delete(st.events, normalizeName(e))
				}
			}
		}
	}
	return Resolved{
		AllowedEvents:        sortedKeys(st.events),
		AllowedTools:         sortedKeys(st.tools),
		ExpandedCapabilities: sortedKeys(st.caps),
	}, nil
}

func (s *System) resolveProfile(name string, st *resolveState) error {
	key := normalizeName(name)
	if st.visited[key] {
		st.warnings = append(st.warnings, fmt.Sprintf("capability profile cycle detected at %q", name))
		return nil
	}
	st.visited[key] = true

	profile, ok := s.Profiles[key]
	if !ok {
		return fmt.Errorf("policy: unknown capability profile %q", name)
	}

	if profile.Inherits != "" {
		if err := s.resolveProfile(profile.Inherits, st); err != nil {
			return err
		}
	}
	for _, atom := range profile.Atoms {
		s.addAtom(atom, st)
	}
	for _, mixin := range profile.Mixins {
		s.resolveMixin(mixin, st)
	}
	for _, ev := range profile.AdditionalEvents {
		st.events[normalizeName(ev)] = true
	}
	for _, g := range profile.ToolGroups {
		s.addToolGroup(g, st)
	}
	st.caps[key] = true
	return nil
}

func (s *System) resolveMixin(name string, st *resolveState) {
	key := "mixin:" + normalizeName(name)
	if st.visited[key] {
		st.warnings = append(st.warnings, fmt.Sprintf("capability mixin cycle detected at %q", name))
		return
	}
	st.visited[key] = true

	mixin, ok := s.Mixins[normalizeName(name)]
	if !ok {
		st.warnings = append(st.warnings, fmt.Sprintf("capability mixin %q not found", name))
		return
	}
	for _, dep := range mixin.Dependencies {
		if _, isAtom := s.Atoms[normalizeName(dep)]; isAtom {
			s.addAtom(dep, st)
			continue
		}
		s.resolveMixin(dep, st)
	}
	for _, ev := range mixin.AdditionalEvents {
		st.events[normalizeName(ev)] = true
	}
	st.caps[normalizeName(name)] = true
}

func (s *System) addAtom(name string, st *resolveState) {
	atom, ok := s.Atoms[normalizeName(name)]
	if !ok {
		st.warnings = append(st.warnings, fmt.Sprintf("capability atom %q not found", name))
		return
	}
	for _, ev := range atom.Events {
		st.events[normalizeName(ev)] = true
	}
	st.caps[normalizeName(name)] = true
}

func (s *System) addToolGroup(name string, st *resolveState) {
	group, ok := s.ToolGroups[normalizeName(name)]
	if !ok {
		st.warnings = append(st.warnings, fmt.Sprintf("tool group %q not found", name))
		return
	}
	for _, t := range group.Tools {
		st.tools[normalizeName(t)] = true
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sortStrings(out)
	return out
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j-1] > ss[j]; j-- {
			ss[j-1], ss[j] = ss[j], ss[j-1]
		}
	}
}

// DefaultSystem returns the built-in capability system matching KSI's
// five profiles.
func DefaultSystem() *System {
	s := NewSystem()
	s.Atoms = map[string]Atom{
		"health":        {Name: "health", Events: []string{"system:health", "system:help"}},
		"discovery":     {Name: "discovery", Events: []string{"system:discover", "monitor:get_events", "monitor:get_stats"}},
		"state_read":    {Name: "state_read", Events: []string{"state:get", "state:list", "state:session:get"}},
		"state_write":   {Name: "state_write", Events: []string{"state:set", "state:delete", "state:clear", "state:session:update"}},
		"async_state":   {Name: "async_state", Events: []string{"async_state:push", "async_state:pop", "async_state:get_queue", "async_state:get_keys", "async_state:queue_length", "async_state:delete"}},
		"completion":    {Name: "completion", Events: []string{"completion:async", "completion:cancel", "completion:result"}},
		"composition":   {Name: "composition", Events: []string{"composition:get", "composition:list", "composition:discover", "composition:compose", "composition:profile", "composition:prompt", "composition:validate", "composition:create"}},
		"agent_manage":  {Name: "agent_manage", Events: []string{"agent:spawn", "agent:terminate", "agent:send_message", "agent:status"}},
		"permission":    {Name: "permission", Events: []string{"permission:get_profile", "permission:set_agent", "permission:get_agent", "permission:validate_spawn", "permission:list_profiles"}},
		"sandbox":       {Name: "sandbox", Events: []string{"sandbox:create", "sandbox:get", "sandbox:remove", "sandbox:list", "sandbox:stats"}},
		"injection":     {Name: "injection", Events: []string{"injection:inject", "injection:batch", "injection:list", "injection:clear"}},
		"correlation":   {Name: "correlation", Events: []string{"correlation:trace", "correlation:chain", "correlation:tree", "correlation:stats", "correlation:cleanup"}},
	}
	s.Mixins = map[string]Mixin{
		"observability": {Name: "observability", Dependencies: []string{"discovery"}, AdditionalEvents: []string{"monitor:subscribe", "monitor:unsubscribe", "monitor:get_session_events", "monitor:get_correlation_chain"}},
		"coordination":  {Name: "coordination", Dependencies: []string{"agent_manage", "state_read", "state_write"}},
	}
	s.ToolGroups = map[string]ToolGroup{
		"readonly": {Name: "readonly", Tools: GetGroupTools("group:readonly")},
		"fs":       {Name: "fs", Tools: GetGroupTools("group:fs")},
		"runtime":  {Name: "runtime", Tools: GetGroupTools("group:runtime")},
		"messaging": {Name: "messaging", Tools: GetGroupTools("group:messaging")},
	}
	s.Profiles = map[string]CapabilityProfile{
		"minimal":      {Name: "minimal", Atoms: []string{"health"}},
		"observer":     {Name: "observer", Inherits: "minimal", Atoms: []string{"state_read"}, Mixins: []string{"observability"}, ToolGroups: []string{"readonly"}},
		"communicator": {Name: "communicator", Inherits: "observer", Atoms: []string{"completion", "state_write"}, ToolGroups: []string{"messaging"}},
		"coordinator":  {Name: "coordinator", Inherits: "communicator", Atoms: []string{"async_state", "composition"}, Mixins: []string{"coordination"}, ToolGroups: []string{"fs"}},
		"orchestrator": {Name: "orchestrator", Inherits: "coordinator", Atoms: []string{"agent_manage", "permission", "sandbox", "injection", "correlation"}, ToolGroups: []string{"runtime"}},
	}
	return s
}
