package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Definition store
			CREATE TABLE workflow_definitions (
				tenant_id VARCHAR(255) NOT NULL,
				id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				version INT NOT NULL DEFAULT 1,
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'published', 'unpublished')),
				steps JSONB NOT NULL DEFAULT '[]',
				trigger_event_type VARCHAR(255) NOT NULL DEFAULT '',
				trigger JSONB NOT NULL DEFAULT '{}',
				variable_schema JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				published_at TIMESTAMP WITH TIME ZONE,
				PRIMARY KEY (tenant_id, id)
			);

			CREATE INDEX idx_workflow_definitions_trigger ON workflow_definitions(tenant_id, trigger_event_type, status);

			CREATE TABLE business_rules (
				tenant_id VARCHAR(255) NOT NULL,
				id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				rule_type VARCHAR(255) NOT NULL DEFAULT '',
				entity_type VARCHAR(255) NOT NULL,
				trigger VARCHAR(255) NOT NULL DEFAULT '',
				condition JSONB NOT NULL DEFAULT '{}',
				actions JSONB NOT NULL DEFAULT '[]',
				active BOOLEAN NOT NULL DEFAULT true,
				priority INT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (tenant_id, id),
				UNIQUE (tenant_id, name)
			);

			CREATE INDEX idx_business_rules_active ON business_rules(tenant_id, entity_type, active);

			-- Runtime state
			CREATE TABLE workflow_executions (
				id VARCHAR(255) PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL,
				definition_id VARCHAR(255) NOT NULL,
				definition_version INT NOT NULL,
				execution_key VARCHAR(512) NOT NULL,
				status VARCHAR(50) NOT NULL,
				current_step_id VARCHAR(255) NOT NULL DEFAULT '',
				variables JSONB,
				trigger_type VARCHAR(255) NOT NULL DEFAULT '',
				trigger_data JSONB,
				progress DOUBLE PRECISION NOT NULL DEFAULT 0,
				completed_steps INT NOT NULL DEFAULT 0,
				total_steps INT NOT NULL DEFAULT 0,
				attempt INT NOT NULL DEFAULT 1,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				error JSONB,
				cancel_requested BOOLEAN NOT NULL DEFAULT false,
				suspend_requested BOOLEAN NOT NULL DEFAULT false,
				suspend_reason VARCHAR(255) NOT NULL DEFAULT '',
				resume_at TIMESTAMP WITH TIME ZONE,
				resuming BOOLEAN NOT NULL DEFAULT false,
				resume_input JSONB,
				parent_execution_id VARCHAR(255) NOT NULL DEFAULT '',
				parent_step_id VARCHAR(255) NOT NULL DEFAULT '',
				actor VARCHAR(255) NOT NULL DEFAULT '',
				version BIGINT NOT NULL DEFAULT 1,
				UNIQUE (tenant_id, definition_id, execution_key)
			);

			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);

			CREATE TABLE step_executions (
				id VARCHAR(255) PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL,
				execution_id VARCHAR(255) NOT NULL,
				step_id VARCHAR(255) NOT NULL,
				step_kind VARCHAR(50) NOT NULL,
				status VARCHAR(50) NOT NULL,
				attempt INT NOT NULL,
				sequence BIGSERIAL,
				input JSONB,
				output JSONB,
				error JSONB,
				discarded BOOLEAN NOT NULL DEFAULT false,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_step_executions_execution ON step_executions(tenant_id, execution_id, sequence);

			CREATE TABLE rule_executions (
				id VARCHAR(255) PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL,
				rule_id VARCHAR(255) NOT NULL,
				rule_name VARCHAR(255) NOT NULL,
				priority INT NOT NULL,
				event_id VARCHAR(255) NOT NULL,
				entity_type VARCHAR(255) NOT NULL,
				entity_id VARCHAR(255) NOT NULL DEFAULT '',
				trigger VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL,
				sequence INT NOT NULL,
				evaluated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE NOT NULL,
				duration_ms BIGINT NOT NULL,
				actions_executed INT NOT NULL DEFAULT 0,
				error JSONB
			);

			CREATE INDEX idx_rule_executions_event ON rule_executions(tenant_id, event_id, sequence);

			CREATE TABLE rule_stats (
				tenant_id VARCHAR(255) NOT NULL,
				rule_id VARCHAR(255) NOT NULL,
				execution_count BIGINT NOT NULL DEFAULT 0,
				success_count BIGINT NOT NULL DEFAULT 0,
				failure_count BIGINT NOT NULL DEFAULT 0,
				flagged BOOLEAN NOT NULL DEFAULT false,
				last_evaluated_at TIMESTAMP WITH TIME ZONE,
				PRIMARY KEY (tenant_id, rule_id)
			);

			CREATE TABLE audit_entries (
				sequence BIGSERIAL PRIMARY KEY,
				id VARCHAR(255) NOT NULL,
				tenant_id VARCHAR(255) NOT NULL,
				owner_id VARCHAR(255) NOT NULL,
				execution_id VARCHAR(255) NOT NULL DEFAULT '',
				rule_id VARCHAR(255) NOT NULL DEFAULT '',
				kind VARCHAR(50) NOT NULL,
				from_status VARCHAR(50) NOT NULL DEFAULT '',
				to_status VARCHAR(50) NOT NULL DEFAULT '',
				step_id VARCHAR(255) NOT NULL DEFAULT '',
				message TEXT NOT NULL DEFAULT '',
				data JSONB,
				actor VARCHAR(255) NOT NULL DEFAULT '',
				at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_audit_entries_owner ON audit_entries(tenant_id, owner_id, sequence);

			CREATE TABLE execution_leases (
				execution_id VARCHAR(255) PRIMARY KEY,
				owner VARCHAR(255) NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL
			);
		`,
		2: `
			-- Timer sweeps look up suspended executions by resume time
			CREATE INDEX idx_workflow_executions_resume_at ON workflow_executions(resume_at)
				WHERE status = 'SUSPENDED';
		`,
		3: `
			-- Published snapshots; executions read the version they started with
			CREATE TABLE workflow_definition_versions (
				tenant_id VARCHAR(255) NOT NULL,
				id VARCHAR(255) NOT NULL,
				version INT NOT NULL,
				name VARCHAR(255) NOT NULL,
				steps JSONB NOT NULL DEFAULT '[]',
				trigger JSONB NOT NULL DEFAULT '{}',
				variable_schema JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE,
				PRIMARY KEY (tenant_id, id, version)
			);

			INSERT INTO workflow_definition_versions (
				tenant_id, id, version, name, steps, trigger, variable_schema, created_at, published_at
			)
			SELECT tenant_id, id, version, name, steps, trigger, variable_schema, created_at, published_at
			FROM workflow_definitions
			WHERE status <> 'draft';

			-- Attempt a step continues with after a retry suspension
			ALTER TABLE workflow_executions ADD COLUMN step_attempt INT NOT NULL DEFAULT 0;
		`,
	}
}
